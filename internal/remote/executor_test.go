package remote

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestQuote(t *testing.T) {
	cases := []struct{ in, want string }{
		{"plain", "plain"},
		{"/mnt/cache/appdata", "/mnt/cache/appdata"},
		{"", "''"},
		{"with space", "'with space'"},
		{"semi;colon", "'semi;colon'"},
		{"it's", `'it'\''s'`},
		{"/mnt/a{1,2}", "'/mnt/a{1,2}'"},
		{"watch!out", "'watch!out'"},
	}
	for _, c := range cases {
		if got := Quote(c.in); got != c.want {
			t.Errorf("Quote(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSSHBaseArgs(t *testing.T) {
	e := &SSH{HostRef: "nas.local", Creds: Credentials{User: "admin", Port: 2222, KeyPath: "/etc/td/key"}}
	args := e.BaseArgs()
	joined := strings.Join(args, " ")
	for _, want := range []string{"BatchMode=yes", "-p 2222", "-i /etc/td/key", "admin@nas.local"} {
		if !strings.Contains(joined, want) {
			t.Errorf("base args missing %q: %s", want, joined)
		}
	}
	if args[len(args)-1] != "admin@nas.local" {
		t.Errorf("user@host must come last: %v", args)
	}
}

func TestLocalRun(t *testing.T) {
	var e Executor = Local{}
	res, err := e.Run(context.Background(), 5*time.Second, "echo", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "hello" {
		t.Fatalf("stdout: %q", res.Stdout)
	}
	if e.Host() != "" {
		t.Fatalf("local host ref must be empty")
	}
}

func TestLocalScriptPipes(t *testing.T) {
	res, err := Local{}.Script(context.Background(), 5*time.Second, "printf 'a\\nb\\n' | wc -l")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "2" {
		t.Fatalf("stdout: %q", res.Stdout)
	}
}

func TestStaticResolverDefaults(t *testing.T) {
	creds, err := StaticResolver{}.Resolve("anything")
	if err != nil {
		t.Fatal(err)
	}
	if creds.User != "root" || creds.Port != 22 {
		t.Fatalf("defaults: %+v", creds)
	}
}
