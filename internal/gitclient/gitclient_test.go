package gitclient

import (
	"context"
	"testing"
)

func TestExtractRepoName(t *testing.T) {
	cases := map[string]string{
		"https://github.com/acme/widgets.git": "widgets",
		"https://github.com/acme/widgets":     "widgets",
		"git@github.com:acme/widgets.git":      "widgets",
		"ssh://git@github.com/acme/widgets.git": "widgets",
	}
	for in, want := range cases {
		if got := ExtractRepoName(in); got != want {
			t.Errorf("ExtractRepoName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateURLAcceptsHTTPSAndSSH(t *testing.T) {
	for _, u := range []string{
		"https://github.com/acme/widgets.git",
		"ssh://git@github.com/acme/widgets.git",
		"git@github.com:acme/widgets.git",
	} {
		if err := validateURL(u); err != nil {
			t.Errorf("validateURL(%q) unexpected error: %v", u, err)
		}
	}
}

func TestValidateURLRejectsDisallowedSchemes(t *testing.T) {
	for _, u := range []string{
		"file:///etc/passwd",
		"ftp://example.com/repo.git",
		"http://example.com/repo.git",
	} {
		if err := validateURL(u); err == nil {
			t.Errorf("validateURL(%q) expected rejection", u)
		}
	}
}

func TestValidateURLRejectsShellMetacharacters(t *testing.T) {
	if err := validateURL("https://example.com/repo.git; rm -rf /"); err == nil {
		t.Fatalf("expected shell metacharacter rejection")
	}
}

func TestCheckoutRejectsNegativeDepth(t *testing.T) {
	c := New("/workspace")
	_, err := c.Checkout(context.Background(), "https://github.com/acme/widgets.git", Options{Depth: -1, EnforcePolicy: true})
	if err == nil {
		t.Fatalf("expected validation error for negative depth")
	}
}
