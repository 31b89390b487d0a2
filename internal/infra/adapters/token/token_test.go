package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hanainplan/consultcall/internal/domain/signaling"
)

func TestIssueAndParse(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)

	raw, err := issuer.Issue(42)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	id, err := issuer.Parse(raw)
	if err != nil || id != signaling.UserID(42) {
		t.Fatalf("Parse() = %v, %v; want 42", id, err)
	}
}

func TestParseRejects(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)
	other, _ := NewIssuer("other", time.Hour).Issue(42)
	expired, _ := NewIssuer("secret", -time.Minute).Issue(42)

	tests := []struct {
		name string
		raw  string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", other},
		{"expired", expired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := issuer.Parse(tt.raw); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Parse() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestConnectHeaders(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)

	headers, err := issuer.ConnectHeaders(7)
	if err != nil {
		t.Fatal(err)
	}

	auth, ok := strings.CutPrefix(headers["Authorization"], "Bearer ")
	if !ok {
		t.Fatalf("Authorization = %q", headers["Authorization"])
	}

	if id, err := issuer.Parse(auth); err != nil || id != 7 {
		t.Errorf("Parse(header) = %v, %v", id, err)
	}
}
