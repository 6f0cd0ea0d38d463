package vpn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/eleven-am/burrow/internal/domain"
)

const (
	// Port the identity provider posts the assertion back to. Baked into the
	// challenge credentials, so the callback listener must bind exactly here.
	samlListenPort = 35001
	samlListenAddr = "127.0.0.1:35001"

	challengeTimeout = 30 * time.Second

	awsBundledOpenvpn = "/opt/awsvpnclient/Service/Resources/openvpn"
)

var (
	portalURLRe   = regexp.MustCompile(`https://portal\.sso\.[^\s,]+`)
	challengeIDRe = regexp.MustCompile(`CRV1:R:([^:]+)`)
)

// challenge is the pair the first openvpn handshake yields: the IdP login URL
// and the session id to echo back in the second handshake's password.
type challenge struct {
	URL string
	SID string
}

// openvpnBinary prefers the binary bundled with the vendor VPN client, which
// carries the SAML patches; plain openvpn works for the handshake too.
func openvpnBinary(lookPath func(string) (string, error)) (string, error) {
	if _, err := os.Stat(awsBundledOpenvpn); err == nil {
		return awsBundledOpenvpn, nil
	}
	path, err := lookPath("openvpn")
	if err != nil {
		return "", &domain.ExternalToolError{Tool: "openvpn"}
	}
	return path, nil
}

// prepareConfig copies the profile into dir with the directives that break
// the two-phase handshake stripped out.
func prepareConfig(srcPath, dir string) (string, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return "", &domain.VpnError{Step: "challenge", Err: fmt.Errorf("read ovpn profile: %w", err)}
	}

	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "auth-federate") ||
			strings.HasPrefix(trimmed, "auth-retry") ||
			strings.HasPrefix(trimmed, "auth-nocache") {
			continue
		}
		kept = append(kept, line)
	}

	dst := filepath.Join(dir, "profile.ovpn")
	if err := os.WriteFile(dst, []byte(strings.Join(kept, "\n")), 0o600); err != nil {
		return "", &domain.VpnError{Step: "challenge", Err: err}
	}
	return dst, nil
}

// writeCredentials writes an openvpn auth-user-pass file. The password line
// is secret material; 0600 and never logged.
func writeCredentials(dir, name, password string) (string, error) {
	path := filepath.Join(dir, name)
	content := "N/A\n" + password + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", &domain.VpnError{Step: "credentials", Err: err}
	}
	return path, nil
}

// fetchChallenge runs the throwaway first handshake. The server rejects the
// placeholder credentials and answers with a CRV1 challenge carrying the
// login URL; openvpn exits non-zero, so the output matters more than the
// exit status.
func fetchChallenge(ctx context.Context, runner domain.CommandRunner, binary, configPath, credsPath string) (challenge, error) {
	ctx, cancel := context.WithTimeout(ctx, challengeTimeout)
	defer cancel()

	out, err := runner.Run(ctx, binary, "--config", configPath, "--verb", "3", "--auth-user-pass", credsPath)
	ch, parseErr := parseChallenge(out)
	if parseErr == nil {
		return ch, nil
	}
	if err != nil {
		return challenge{}, &domain.VpnError{Step: "challenge", Err: err}
	}
	return challenge{}, &domain.VpnError{Step: "challenge", Err: parseErr}
}

func parseChallenge(output []byte) (challenge, error) {
	url := portalURLRe.Find(output)
	if url == nil {
		return challenge{}, fmt.Errorf("no login URL in handshake output")
	}
	sid := challengeIDRe.FindSubmatch(output)
	if sid == nil {
		return challenge{}, fmt.Errorf("no challenge session id in handshake output")
	}
	return challenge{URL: string(url), SID: string(sid[1])}, nil
}
