package migration

import (
	"strings"
	"testing"
)

func TestMapPath(t *testing.T) {
	cases := []struct {
		src, base, want string
	}{
		{"/mnt/cache/appdata/sonarr", "/mnt/tank", "/mnt/tank/appdata/sonarr"},
		{"/mnt/user/appdata/plex/config", "/mnt/tank", "/mnt/tank/appdata/plex/config"},
		{"/mnt/cache/compose/sonarr", "/mnt/tank", "/mnt/tank/compose/sonarr"},
		{"/srv/media", "/mnt/tank", "/mnt/tank/data/media"},
		{"/opt/stacks/db/", "/backup", "/backup/data/db"},
	}
	for _, tc := range cases {
		if got := MapPath(tc.src, tc.base); got != tc.want {
			t.Fatalf("MapPath(%q, %q) = %q, want %q", tc.src, tc.base, got, tc.want)
		}
	}
}

func TestRewriteComposeLongestPrefixFirst(t *testing.T) {
	content := []byte(strings.Join([]string{
		"services:",
		"  app:",
		"    volumes:",
		"      - /mnt/cache/appdata/app:/config",
		"      - /mnt/cache/appdata/app/media:/media",
	}, "\n"))
	rewrites := []PathRewrite{
		{From: "/mnt/cache/appdata/app", To: "/mnt/tank/appdata/app"},
		{From: "/mnt/cache/appdata/app/media", To: "/mnt/tank/appdata/app/media"},
	}
	out := string(RewriteCompose(content, rewrites))
	if !strings.Contains(out, "/mnt/tank/appdata/app:/config") {
		t.Fatalf("parent mount not rewritten:\n%s", out)
	}
	if !strings.Contains(out, "/mnt/tank/appdata/app/media:/media") {
		t.Fatalf("nested mount clobbered:\n%s", out)
	}
	if strings.Contains(out, "/mnt/cache") {
		t.Fatalf("source path survived rewrite:\n%s", out)
	}
}

func TestApplyRewritesPrefixBoundary(t *testing.T) {
	rewrites := []PathRewrite{{From: "/mnt/cache/appdata/app", To: "/mnt/tank/appdata/app"}}
	if got := applyRewrites("/mnt/cache/appdata/app/sub", rewrites); got != "/mnt/tank/appdata/app/sub" {
		t.Fatalf("subpath = %q", got)
	}
	// A sibling sharing the prefix characters is not a child.
	if got := applyRewrites("/mnt/cache/appdata/app2", rewrites); got != "/mnt/cache/appdata/app2" {
		t.Fatalf("sibling rewritten: %q", got)
	}
}
