package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestCredentialNeverPrintsTokens(t *testing.T) {
	c := Credential{
		AccessToken:  "ya29.access",
		RefreshToken: "1//refresh",
		ExpiresAt:    time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		Scopes:       []string{"calendar"},
	}

	for _, out := range []string{fmt.Sprint(c), fmt.Sprintf("%v", &c), fmt.Sprintf("%#v", c)} {
		if strings.Contains(out, "ya29.access") || strings.Contains(out, "1//refresh") {
			t.Errorf("formatted credential leaked a token: %s", out)
		}
	}

	b, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if strings.Contains(string(b), "1//refresh") {
		t.Errorf("JSON leaked the refresh token: %s", b)
	}
}

func TestCredentialValidAt(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{"fresh", now.Add(10 * time.Minute), true},
		{"inside margin", now.Add(30 * time.Second), false},
		{"expired", now.Add(-time.Minute), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := &Credential{AccessToken: "a", ExpiresAt: tc.expires}
			if got := c.ValidAt(now, time.Minute); got != tc.want {
				t.Errorf("ValidAt = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestActionIntent(t *testing.T) {
	tests := map[string]Intent{
		"create_1":       IntentCreate,
		"Change_dentist": IntentChange,
		"delete_2":       IntentDelete,
		"rename_1":       IntentUnknown,
	}
	for key, want := range tests {
		if got := (Action{Key: key}).Intent(); got != want {
			t.Errorf("Intent(%q) = %s, want %s", key, got, want)
		}
	}
}

func TestUserRefreshTokenNotInJSON(t *testing.T) {
	u := User{UserID: "sub-1", Email: "a@example.com", EncryptedRefreshToken: "cipher"}
	b, _ := json.Marshal(u)
	if strings.Contains(string(b), "cipher") {
		t.Errorf("user JSON contains the encrypted refresh token: %s", b)
	}
}
