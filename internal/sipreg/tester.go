// Package sipreg periodically tests SIP registration against the
// monitored systems.
package sipreg

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/asterisk-monitor/internal/workerpool"
)

// Test describes one registration test.
type Test struct {
	Name     string
	Login    string
	Password string
	Domain   string
	// Proxy defaults to the system's address.
	Proxy    string
	Timeout  time.Duration
	Interval time.Duration
}

// Result is the outcome of the latest run of a test.
type Result struct {
	Test       string    `json:"test"`
	Success    bool      `json:"success"`
	StatusCode int       `json:"status_code"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// Tester runs the registration tests of one system.
type Tester struct {
	system string
	tests  []Test
	reg    Registrar
	peerIP func() string
	log    zerolog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	results map[string]Result
}

// NewTester creates a tester. peerIP supplies the default proxy host,
// normally the connected AMI server.
func NewTester(system string, tests []Test, reg Registrar, peerIP func() string, log zerolog.Logger) *Tester {
	return &Tester{
		system:  system,
		tests:   tests,
		reg:     reg,
		peerIP:  peerIP,
		log:     log.With().Str("component", "sipreg").Str("system", system).Logger(),
		clock:   time.Now,
		results: make(map[string]Result),
	}
}

// Start schedules every test on the pool at its interval.
func (t *Tester) Start(ctx context.Context, pool *workerpool.Pool) error {
	for _, test := range t.tests {
		test := test
		err := pool.Every(ctx, test.Interval, func(ctx context.Context) {
			t.Run(ctx, test)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Run executes one test and stores its result.
func (t *Tester) Run(ctx context.Context, test Test) Result {
	ctx, cancel := context.WithTimeout(ctx, test.Timeout)
	defer cancel()

	acc := Account{
		Login:    test.Login,
		Password: test.Password,
		Domain:   test.Domain,
		Proxy:    t.proxy(test),
	}

	start := t.clock()
	status, reason, err := t.reg.Register(ctx, acc)
	res := Result{
		Test:       test.Name,
		StatusCode: status,
		Reason:     reason,
		ElapsedMS:  t.clock().Sub(start).Milliseconds(),
		Timestamp:  start,
	}
	switch {
	case err != nil:
		res.Error = err.Error()
		t.log.Warn().Err(err).Str("test", test.Name).Str("proxy", acc.Proxy).Msg("SIP registration test failed")
	case status >= 200 && status < 300:
		res.Success = true
		t.log.Debug().Str("test", test.Name).Int("status", status).Int64("elapsed_ms", res.ElapsedMS).Msg("SIP registration test passed")
	default:
		t.log.Warn().Str("test", test.Name).Int("status", status).Str("reason", reason).Msg("SIP registration rejected")
	}

	t.mu.Lock()
	t.results[test.Name] = res
	t.mu.Unlock()
	return res
}

// Result returns the latest result of the named test.
func (t *Tester) Result(name string) (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.results[name]
	return r, ok
}

// Results returns the latest result of every test that has run, by name.
func (t *Tester) Results() []Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Result, 0, len(t.results))
	for _, r := range t.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Test < out[j].Test })
	return out
}

func (t *Tester) proxy(test Test) string {
	p := test.Proxy
	if p == "" && t.peerIP != nil {
		p = t.peerIP()
	}
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(p), "sip:") {
		p = "sip:" + p
	}
	return p
}
