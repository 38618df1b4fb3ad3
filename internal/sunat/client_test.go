package sunat

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"sirebridge.pe/internal/credential"
)

var testCreds = credential.Credentials{
	TenantID:     "20100066603",
	ClientID:     "client-id",
	ClientSecret: "client-secret",
	SolUser:      "MIUSUARIO",
	SolPassword:  "secret",
}

func fastRetry() Backoff {
	return Backoff{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func TestAuthenticateSendsPasswordGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.FormValue("grant_type"); got != "password" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.FormValue("username"); got != "20100066603MIUSUARIO" {
			t.Errorf("username = %q, want RUC+SOL user", got)
		}
		if r.URL.Path != "/client-id/oauth2/token/" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(TokenData{
			AccessToken: "access-1", TokenType: "Bearer", ExpiresIn: 3600, RefreshToken: "refresh-1",
		})
	}))
	defer srv.Close()

	c := NewClient(WithAuthURL(srv.URL), WithRetry(fastRetry()))
	tok, err := c.Authenticate(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if tok.AccessToken != "access-1" || tok.ExpiresIn != 3600 {
		t.Fatalf("unexpected token data: %+v", tok)
	}
}

func TestAuthRejectionIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error_description":"Credenciales incorrectas"}`))
	}))
	defer srv.Close()

	c := NewClient(WithAuthURL(srv.URL), WithRetry(fastRetry()))
	_, err := c.Authenticate(context.Background(), testCreds)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("401 retried: %d calls", got)
	}
	if ErrorCode(err) != CodeAuthExpired {
		t.Fatalf("error code %s, want %s", ErrorCode(err), CodeAuthExpired)
	}
}

func TestRefreshCarriesOldRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No refresh_token in the response: the caller's must survive.
		_ = json.NewEncoder(w).Encode(TokenData{AccessToken: "access-2", ExpiresIn: 3600})
	}))
	defer srv.Close()

	c := NewClient(WithAuthURL(srv.URL), WithRetry(fastRetry()))
	tok, err := c.Refresh(context.Background(), "refresh-old", testCreds)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if tok.RefreshToken != "refresh-old" {
		t.Fatalf("refresh token %q, want the carried-over one", tok.RefreshToken)
	}
}

func TestSubmitOperationClassifiesResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-1" {
			t.Errorf("missing bearer token")
		}
		_, _ = w.Write([]byte(`{"numTicket":"20260310112233"}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithRetry(fastRetry()))
	res, err := c.SubmitOperation(context.Background(), "access-1", SubmitRequest{
		TenantID: "20100066603", Period: "202602", Operation: "RVIE_PROPUESTA_DESCARGA",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.RemoteTicketID != "20260310112233" {
		t.Fatalf("remote ticket id %q", res.RemoteTicketID)
	}

	inline := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"registros": []}`))
	}))
	defer inline.Close()

	c2 := NewClient(WithBaseURL(inline.URL), WithRetry(fastRetry()))
	res, err = c2.SubmitOperation(context.Background(), "access-1", SubmitRequest{
		TenantID: "20100066603", Period: "202602", Operation: "RVIE_RESUMEN_GENERAR",
	})
	if err != nil {
		t.Fatalf("submit inline: %v", err)
	}
	if res.RemoteTicketID != "" || len(res.Inline) == 0 {
		t.Fatalf("expected inline payload, got %+v", res)
	}
}

func zipPayload(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create(name)
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := f.Write(content); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestDownloadReportFullSequence(t *testing.T) {
	const remoteID = "20260310445566"
	inner := []byte("ruc|periodo\n20100066603|202602\n")
	var statusCalls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/contribuyente/migeigv/libros/rvie/propuesta/web/propuesta/202602/exportapropuesta",
		func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ticket":"` + remoteID + `"}`))
		})
	mux.HandleFunc("/contribuyente/migeigv/ticket/"+remoteID+"/estado",
		func(w http.ResponseWriter, r *http.Request) {
			n := atomic.AddInt32(&statusCalls, 1)
			st := RemoteStatus{RemoteTicketID: remoteID, State: "1", Percent: 40}
			if n >= 2 {
				st = RemoteStatus{RemoteTicketID: remoteID, State: "2", Percent: 100, FileName: "propuesta.zip"}
			}
			_ = json.NewEncoder(w).Encode(st)
		})
	mux.HandleFunc("/contribuyente/migeigv/ticket/"+remoteID+"/archivo/propuesta.zip",
		func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(zipPayload(t, "propuesta.txt", inner))
		})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithRetry(fastRetry()))
	var lastPercent float64
	report, err := c.DownloadReport(context.Background(), "access-1", SubmitRequest{
		TenantID: "20100066603", Period: "202602", Operation: "RVIE_PROPUESTA_DESCARGA",
	}, PollConfig{Interval: 10 * time.Millisecond, Budget: time.Second},
		func(percent float64, _ string) { lastPercent = percent })
	if err != nil {
		t.Fatalf("download report: %v", err)
	}
	if report.RemoteTicketID != remoteID {
		t.Fatalf("remote ticket id %q", report.RemoteTicketID)
	}
	if report.FileName != "propuesta.txt" {
		t.Fatalf("file name %q, want the unwrapped inner entry", report.FileName)
	}
	if !bytes.Equal(report.Data, inner) {
		t.Fatalf("container content mismatch")
	}
	if lastPercent != 100 {
		t.Fatalf("last progress %v, want 100", lastPercent)
	}
}

func TestDownloadReportRemoteFailure(t *testing.T) {
	const remoteID = "20260310778899"
	mux := http.NewServeMux()
	mux.HandleFunc("/contribuyente/migeigv/libros/rvie/propuesta/web/propuesta/202602/exportapropuesta",
		func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ticket":"` + remoteID + `"}`))
		})
	mux.HandleFunc("/contribuyente/migeigv/ticket/"+remoteID+"/estado",
		func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(RemoteStatus{
				RemoteTicketID: remoteID, State: "3",
				ErrorCode: "ERR-104", ErrorDetail: "periodo sin informacion",
			})
		})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithRetry(fastRetry()))
	_, err := c.DownloadReport(context.Background(), "access-1", SubmitRequest{
		TenantID: "20100066603", Period: "202602", Operation: "RVIE_PROPUESTA_DESCARGA",
	}, PollConfig{Interval: 10 * time.Millisecond, Budget: time.Second}, nil)

	var failed *TicketFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected TicketFailedError, got %v", err)
	}
	if failed.Code != "ERR-104" {
		t.Fatalf("remote code %q", failed.Code)
	}
	if ErrorCode(err) != CodeRemoteAPIError {
		t.Fatalf("error code %s", ErrorCode(err))
	}
}

func TestDownloadReportPollBudget(t *testing.T) {
	const remoteID = "20260310000111"
	mux := http.NewServeMux()
	mux.HandleFunc("/contribuyente/migeigv/libros/rvie/propuesta/web/propuesta/202602/exportapropuesta",
		func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ticket":"` + remoteID + `"}`))
		})
	mux.HandleFunc("/contribuyente/migeigv/ticket/"+remoteID+"/estado",
		func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(RemoteStatus{RemoteTicketID: remoteID, State: "1"})
		})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithRetry(fastRetry()))
	_, err := c.DownloadReport(context.Background(), "access-1", SubmitRequest{
		TenantID: "20100066603", Period: "202602", Operation: "RVIE_PROPUESTA_DESCARGA",
	}, PollConfig{Interval: 5 * time.Millisecond, Budget: 30 * time.Millisecond}, nil)

	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("expected ErrPollTimeout, got %v", err)
	}
	if ErrorCode(err) != CodeRemoteTimeout {
		t.Fatalf("error code %s", ErrorCode(err))
	}
}

func TestAPIErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"cod":"422","msg":"periodo invalido"}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithRetry(fastRetry()))
	_, err := c.SubmitOperation(context.Background(), "access-1", SubmitRequest{
		TenantID: "20100066603", Period: "209999", Operation: "RVIE_PROPUESTA_DESCARGA",
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d", apiErr.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("HTTP error retried: %d calls", got)
	}
}

func TestUnwrapContainerPassthrough(t *testing.T) {
	name, data, err := unwrapContainer("reporte.txt", []byte("plain text"))
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if name != "reporte.txt" || string(data) != "plain text" {
		t.Fatalf("passthrough changed payload: %s %q", name, data)
	}
}

func TestUnwrapContainerEmptyZip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if _, _, err := unwrapContainer("vacio.zip", buf.Bytes()); err == nil {
		t.Fatal("expected error for an empty container")
	}
}

func TestOperationPaths(t *testing.T) {
	got := operationPath("RVIE_PROPUESTA_DESCARGA", "202602")
	want := "/contribuyente/migeigv/libros/rvie/propuesta/web/propuesta/202602/exportapropuesta"
	if got != want {
		t.Fatalf("path %q, want %q", got, want)
	}
	if p := operationPath("SOMETHING_ELSE", "202602"); p != "/contribuyente/migeigv/libros/rvie/operacion" {
		t.Fatalf("fallback path %q", p)
	}
}
