package vpn

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/eleven-am/burrow/internal/domain"
)

// waitForAssertion runs a one-shot HTTP listener for the identity provider's
// redirect. The assertion arrives as a SAMLResponse form field; a query
// parameter is accepted too since some providers redirect with GET.
func waitForAssertion(ctx context.Context, addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", &domain.VpnError{Step: "callback", Err: err}
	}

	samlCh := make(chan string, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		saml := r.PostFormValue("SAMLResponse")
		if saml == "" {
			saml = r.FormValue("SAMLResponse")
		}
		if saml == "" {
			http.Error(w, "missing SAMLResponse", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "Authentication complete. You can close this tab.")
		select {
		case samlCh <- saml:
		default:
		}
	})}

	go func() {
		_ = srv.Serve(ln)
	}()
	defer srv.Close()

	select {
	case saml := <-samlCh:
		return saml, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
