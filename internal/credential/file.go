package credential

import (
	"encoding/json"
	"fmt"
	"os"
)

type fileEntry struct {
	TenantID     string `json:"tenant_id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	SolUser      string `json:"sol_user"`
	SolPassword  string `json:"sol_password"`
}

// LoadFile reads a JSON array of tenant credentials into a StaticStore.
func LoadFile(path string) (*StaticStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credential: read %s: %w", path, err)
	}
	var entries []fileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("credential: parse %s: %w", path, err)
	}
	list := make([]Credentials, 0, len(entries))
	for _, e := range entries {
		list = append(list, Credentials{
			TenantID:     e.TenantID,
			ClientID:     e.ClientID,
			ClientSecret: e.ClientSecret,
			SolUser:      e.SolUser,
			SolPassword:  e.SolPassword,
		})
	}
	return NewStaticStore(list), nil
}
