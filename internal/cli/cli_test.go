package cli

import (
	"testing"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	cli := &CLI{}
	parser, err := kong.New(cli, kong.Name("sessiond"))
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return cli, ctx
}

func TestParseServe(t *testing.T) {
	cli, ctx := parse(t, "serve", "--listen", ":9999")
	if ctx.Command() != "serve" {
		t.Fatalf("command = %q", ctx.Command())
	}
	if cli.Serve.Listen != ":9999" {
		t.Fatalf("listen = %q", cli.Serve.Listen)
	}
}

func TestParseGlobalFlags(t *testing.T) {
	cli, _ := parse(t, "--config", "/tmp/custom.yaml", "--log-level", "debug", "sweep")
	if cli.Config != "/tmp/custom.yaml" {
		t.Fatalf("config = %q", cli.Config)
	}
	if cli.LogLevel != "debug" {
		t.Fatalf("log level = %q", cli.LogLevel)
	}
}

func TestParseRejectsUnknownCommand(t *testing.T) {
	cli := &CLI{}
	parser, err := kong.New(cli, kong.Name("sessiond"))
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	if _, err := parser.Parse([]string{"launch"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseLogLevel(t *testing.T) {
	if got := parseLogLevel("debug"); got != log.DebugLevel {
		t.Fatalf("debug = %v", got)
	}
	if got := parseLogLevel("nonsense"); got != log.InfoLevel {
		t.Fatalf("fallback = %v", got)
	}
}
