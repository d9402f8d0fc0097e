package sipreg

import (
	"context"
	"fmt"
	"os"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

// Account identifies the registration to test.
type Account struct {
	Login    string
	Password string
	Domain   string
	// Proxy is the URI the REGISTER is sent to, e.g. "sip:10.0.0.5:5060".
	Proxy string
}

// Registrar performs one registration round trip and returns the final
// SIP status.
type Registrar interface {
	Register(ctx context.Context, acc Account) (status int, reason string, err error)
}

// SIPRegistrar registers over UDP with sipgo, answering digest challenges.
type SIPRegistrar struct {
	ua          *sipgo.UserAgent
	client      *sipgo.Client
	contactHost string
}

// NewSIPRegistrar creates the user agent and client used for all tests.
// Client options such as sipgo.WithClientHostname pin the Via address.
func NewSIPRegistrar(log zerolog.Logger, opts ...sipgo.ClientOption) (*SIPRegistrar, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent("asterisk-monitor"))
	if err != nil {
		return nil, fmt.Errorf("creating SIP user agent: %w", err)
	}
	opts = append([]sipgo.ClientOption{sipgo.WithClientLogger(log)}, opts...)
	client, err := sipgo.NewClient(ua, opts...)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating SIP client: %w", err)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return &SIPRegistrar{ua: ua, client: client, contactHost: host}, nil
}

func (r *SIPRegistrar) Register(ctx context.Context, acc Account) (int, string, error) {
	req, err := buildRegister(acc, r.contactHost)
	if err != nil {
		return 0, "", err
	}

	res, err := r.client.Do(ctx, req)
	if err != nil {
		return 0, "", fmt.Errorf("sending REGISTER: %w", err)
	}
	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		tx, err := r.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: acc.Login,
			Password: acc.Password,
		})
		if err != nil {
			return 0, "", fmt.Errorf("authenticating REGISTER: %w", err)
		}
		if res, err = finalResponse(ctx, tx); err != nil {
			return 0, "", fmt.Errorf("authenticating REGISTER: %w", err)
		}
	}
	return int(res.StatusCode), res.Reason, nil
}

// finalResponse waits for the first non-provisional response on tx.
func finalResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	defer tx.Terminate()
	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			return nil, tx.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *SIPRegistrar) Close() error {
	r.client.Close()
	return r.ua.Close()
}

func buildRegister(acc Account, contactHost string) (*sip.Request, error) {
	var recipient sip.Uri
	if err := sip.ParseUri("sip:"+acc.Domain, &recipient); err != nil {
		return nil, fmt.Errorf("invalid domain %q: %w", acc.Domain, err)
	}
	req := sip.NewRequest(sip.REGISTER, recipient)

	aor := sip.Uri{Scheme: "sip", User: acc.Login, Host: recipient.Host}
	fromParams := sip.NewParams()
	fromParams.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(&sip.FromHeader{Address: aor, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: acc.Login, Host: contactHost},
	})
	req.AppendHeader(sip.NewHeader("Expires", "60"))

	if acc.Proxy != "" {
		var proxy sip.Uri
		if err := sip.ParseUri(acc.Proxy, &proxy); err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", acc.Proxy, err)
		}
		req.SetDestination(proxy.HostPort())
	}
	return req, nil
}
