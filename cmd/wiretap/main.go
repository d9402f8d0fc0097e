package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/sweeney/asterisk-monitor/internal/ami"
)

func main() {
	host := flag.String("host", "127.0.0.1", "Asterisk AMI host")
	port := flag.Int("port", 5038, "Asterisk AMI port")
	user := flag.String("user", "admin", "AMI username")
	secret := flag.String("secret", "", "AMI secret")
	outDir := flag.String("outdir", "testdata/captures", "Output directory for captures")
	quiet := flag.Bool("quiet", false, "Do not print message summaries")
	sanitize := flag.String("sanitize", "", "Sanitize a capture file in-place (keeps .bak)")
	flag.Parse()

	if *sanitize != "" {
		if err := sanitizeFile(*sanitize); err != nil {
			fmt.Fprintf(os.Stderr, "sanitize error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("sanitized:", *sanitize)
		return
	}

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: -secret is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(*host, fmt.Sprintf("%d", *port))
	var summary io.Writer = os.Stdout
	if *quiet {
		summary = io.Discard
	}
	if err := capture(ctx, addr, *user, *secret, *outDir, summary); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func capture(ctx context.Context, addr, user, secret, outDir string, summary io.Writer) error {
	fmt.Printf("connecting to %s...\n", addr)

	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	filename := filepath.Join(outDir, time.Now().Format("20060102-150405")+".raw")
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	fmt.Printf("writing to %s\n", filename)

	login := ami.NewAction("Login", "Username", user, "Secret", secret)
	login.ID = ami.LoginID
	if _, err := conn.Write(ami.Serialize(login)); err != nil {
		return fmt.Errorf("sending login: %w", err)
	}

	fmt.Println("streaming events (ctrl+c to stop)...")
	err = stream(conn, f, summary)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// stream copies everything read from r to w and prints a one-line summary
// of each complete message.
func stream(r io.Reader, w io.Writer, summary io.Writer) error {
	parser := ami.NewParser()
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("writing capture: %w", werr)
			}
			parser.Feed(buf[:n])
			for {
				msg, ok := parser.Next()
				if !ok {
					break
				}
				fmt.Fprintln(summary, describe(msg))
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func describe(m *ami.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s %s", m.Kind, m.Subtype)
	if m.ID != 0 {
		fmt.Fprintf(&b, " id=%d", m.ID)
	}
	for _, key := range []string{"Channel", "Linkedid", "Cause", "Message"} {
		if v, ok := m.Lookup(key); ok {
			fmt.Fprintf(&b, " %s=%q", strings.ToLower(key), v)
		}
	}
	if m.HasData() {
		lines, _ := m.TakeData()
		fmt.Fprintf(&b, " data=%d lines", len(lines))
	}
	return b.String()
}

var (
	ipPattern       = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	phonePattern    = regexp.MustCompile(`\b1?\d{10}\b`)
	secretPattern   = regexp.MustCompile(`(?i)^((?:Secret|Password|Md5Password|Key):\s*)[^\r]+`)
	usernamePattern = regexp.MustCompile(`(?i)^(Username:\s*)[^\r]+`)
)

func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		lines[i] = sanitizeLine(line)
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}

func sanitizeLine(line string) string {
	line = secretPattern.ReplaceAllString(line, "${1}REDACTED")
	line = usernamePattern.ReplaceAllString(line, "${1}monitor")

	// Redact IPs (but preserve localhost)
	line = ipPattern.ReplaceAllStringFunc(line, func(ip string) string {
		if ip == "127.0.0.1" {
			return ip
		}
		return "10.0.0.1"
	})

	// Redact phone numbers in CallerID fields
	if strings.Contains(line, "CallerID") || strings.Contains(line, "ConnectedLine") {
		line = phonePattern.ReplaceAllString(line, "15550001234")
	}
	return line
}
