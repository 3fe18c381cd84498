package security

import (
	"errors"
	"testing"

	"loginpilot/internal/domain"
)

func TestIsLoopback(t *testing.T) {
	loopback := []string{"localhost", "LOCALHOST", "127.0.0.1", "127.5.5.5", "::1", "::ffff:127.0.0.1"}
	for _, h := range loopback {
		if !IsLoopback(h) {
			t.Errorf("IsLoopback(%q) = false, want true", h)
		}
	}

	others := []string{"10.0.0.1", "192.168.1.20", "8.8.8.8", "example.com", "localhost.example.com"}
	for _, h := range others {
		if IsLoopback(h) {
			t.Errorf("IsLoopback(%q) = true, want false", h)
		}
	}
}

func TestAPIURLPolicyAllows(t *testing.T) {
	p := NewAPIURLPolicy([]string{" MoreLogin.lan ", ""})
	allowed := []string{
		"",
		"http://127.0.0.1:40000",
		"http://localhost:40000/api",
		"https://[::1]:40000",
		"http://morelogin.lan:40000",
	}
	for _, u := range allowed {
		if err := p.Check(u); err != nil {
			t.Errorf("Check(%q) = %v, want nil", u, err)
		}
	}
}

func TestAPIURLPolicyBlocks(t *testing.T) {
	p := NewAPIURLPolicy(nil)
	blocked := []string{
		"http://10.0.0.1:40000",
		"http://169.254.169.254/latest/meta-data",
		"https://example.com",
		"ftp://127.0.0.1/",
		"file:///etc/passwd",
		"127.0.0.1:40000",
		"http://",
		"://bad",
	}
	for _, u := range blocked {
		err := p.Check(u)
		if !errors.Is(err, domain.ErrURLBlocked) {
			t.Errorf("Check(%q) = %v, want ErrURLBlocked", u, err)
		}
	}
}
