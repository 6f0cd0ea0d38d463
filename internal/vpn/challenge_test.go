package vpn

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const challengeOutput = `2026-08-27 10:00:01 TCP/UDP: Preserving recently used remote address
2026-08-27 10:00:02 SENT CONTROL [vpn.example.com]: 'PUSH_REQUEST' (status=1)
2026-08-27 10:00:03 AUTH: Received control message: AUTH_FAILED,CRV1:R:instance-1/5156104766/00000000-0000-0000-0000-000000000000:YmFzZTY0:Please authenticate at https://portal.sso.us-east-1.amazonaws.com/saml/assertion/SGVsbG8,flags:E
2026-08-27 10:00:03 SIGTERM[soft,auth-failure] received, process exiting`

func TestParseChallenge(t *testing.T) {
	ch, err := parseChallenge([]byte(challengeOutput))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.URL != "https://portal.sso.us-east-1.amazonaws.com/saml/assertion/SGVsbG8" {
		t.Errorf("unexpected login URL: %s", ch.URL)
	}
	if ch.SID != "instance-1/5156104766/00000000-0000-0000-0000-000000000000" {
		t.Errorf("unexpected session id: %s", ch.SID)
	}
}

func TestParseChallenge_MissingURL(t *testing.T) {
	out := []byte("AUTH_FAILED,CRV1:R:sid-1:b64:no url here")
	if _, err := parseChallenge(out); err == nil {
		t.Fatal("expected an error without a login URL")
	}
}

func TestParseChallenge_MissingSID(t *testing.T) {
	out := []byte("see https://portal.sso.us-east-1.amazonaws.com/login")
	if _, err := parseChallenge(out); err == nil {
		t.Fatal("expected an error without a session id")
	}
}

func TestPrepareConfig_StripsAuthDirectives(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "corp.ovpn")
	profile := strings.Join([]string{
		"client",
		"remote vpn.example.com 443",
		"auth-federate",
		"auth-retry interact",
		"auth-nocache",
		"cipher AES-256-GCM",
	}, "\n")
	if err := os.WriteFile(src, []byte(profile), 0o600); err != nil {
		t.Fatal(err)
	}

	dst, err := prepareConfig(src, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, stripped := range []string{"auth-federate", "auth-retry", "auth-nocache"} {
		if strings.Contains(out, stripped) {
			t.Errorf("directive %q should have been stripped:\n%s", stripped, out)
		}
	}
	for _, kept := range []string{"client", "remote vpn.example.com 443", "cipher AES-256-GCM"} {
		if !strings.Contains(out, kept) {
			t.Errorf("directive %q should have been kept:\n%s", kept, out)
		}
	}
}

func TestWriteCredentials_Restrictive(t *testing.T) {
	dir := t.TempDir()
	path, err := writeCredentials(dir, "creds.txt", "ACS::35001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("credentials file must be 0600, got %o", perm)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "N/A\nACS::35001\n" {
		t.Errorf("unexpected credentials content: %q", data)
	}
}
