package sunat

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
)

// PollConfig bounds a remote-ticket wait.
type PollConfig struct {
	Interval time.Duration
	Budget   time.Duration
}

// DefaultPoll waits up to ten minutes, checking every ten seconds.
var DefaultPoll = PollConfig{Interval: 10 * time.Second, Budget: 10 * time.Minute}

// Report is the outcome of a completed report operation.
type Report struct {
	FileName       string
	Data           []byte
	RemoteTicketID string
}

// ProgressFunc receives remote progress updates while a ticket is polled.
type ProgressFunc func(percent float64, message string)

// DownloadReport drives the full request → remote ticket → poll → download
// sequence. Synchronous responses short-circuit with the inline payload. The
// downloaded artifact is unwrapped when the platform returns a ZIP container
// holding a single delimited text report.
func (c *Client) DownloadReport(ctx context.Context, token string, req SubmitRequest, poll PollConfig, onProgress ProgressFunc) (Report, error) {
	submitted, err := c.SubmitOperation(ctx, token, req)
	if err != nil {
		return Report{}, err
	}
	if submitted.RemoteTicketID == "" {
		return Report{
			FileName: fmt.Sprintf("%s_%s_%s.txt", req.Operation, req.TenantID, req.Period),
			Data:     submitted.Inline,
		}, nil
	}

	status, err := c.waitTicket(ctx, token, submitted.RemoteTicketID, poll, onProgress)
	if err != nil {
		return Report{RemoteTicketID: submitted.RemoteTicketID}, err
	}

	fileName := status.FileName
	if fileName == "" {
		fileName = fmt.Sprintf("%s_%s.zip", req.Operation, submitted.RemoteTicketID)
	}
	raw, err := c.Download(ctx, token, submitted.RemoteTicketID, fileName)
	if err != nil {
		return Report{RemoteTicketID: submitted.RemoteTicketID}, err
	}

	name, data, err := unwrapContainer(fileName, raw)
	if err != nil {
		return Report{RemoteTicketID: submitted.RemoteTicketID}, err
	}
	return Report{FileName: name, Data: data, RemoteTicketID: submitted.RemoteTicketID}, nil
}

// waitTicket polls until the remote ticket is terminal or the budget runs
// out. A remote ERROR or CANCELLED state is a TicketFailedError; exhausting
// the budget is ErrPollTimeout.
func (c *Client) waitTicket(ctx context.Context, token, remoteTicketID string, poll PollConfig, onProgress ProgressFunc) (RemoteStatus, error) {
	if poll.Interval <= 0 {
		poll.Interval = DefaultPoll.Interval
	}
	if poll.Budget <= 0 {
		poll.Budget = DefaultPoll.Budget
	}
	attempts := int(poll.Budget / poll.Interval)
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		status, err := c.TicketStatus(ctx, token, remoteTicketID)
		if err != nil {
			// Auth problems will not fix themselves while polling.
			if IsAuth(err) {
				return RemoteStatus{}, err
			}
			// Transient failures fall through to the next poll round.
		} else {
			if onProgress != nil {
				onProgress(status.Percent, status.Message)
			}
			switch status.State {
			case remoteStateDone:
				return status, nil
			case remoteStateError, remoteStateCancelled:
				code := status.ErrorCode
				if code == "" {
					code = "REMOTE_ERROR"
				}
				detail := status.ErrorDetail
				if detail == "" {
					detail = status.Message
				}
				return RemoteStatus{}, &TicketFailedError{RemoteTicketID: remoteTicketID, Code: code, Detail: detail}
			}
		}

		timer := time.NewTimer(poll.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return RemoteStatus{}, ctx.Err()
		case <-timer.C:
		}
	}
	return RemoteStatus{}, fmt.Errorf("%w: remote ticket %s after %s", ErrPollTimeout, remoteTicketID, poll.Budget)
}

// unwrapContainer extracts the first entry of a ZIP container, returning the
// inner file name and content. Non-ZIP payloads pass through untouched.
func unwrapContainer(fileName string, raw []byte) (string, []byte, error) {
	if !bytes.HasPrefix(raw, []byte("PK\x03\x04")) {
		return fileName, raw, nil
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", nil, fmt.Errorf("sunat: open container %s: %w", fileName, err)
	}
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return "", nil, fmt.Errorf("sunat: read container entry %s: %w", entry.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", nil, fmt.Errorf("sunat: read container entry %s: %w", entry.Name, err)
		}
		return entry.Name, data, nil
	}
	return "", nil, fmt.Errorf("sunat: container %s is empty", fileName)
}
