package httpclient

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestNoProxyMatches(t *testing.T) {
	cases := []struct {
		target, noProxy string
		want            bool
	}{
		{"https://api.openai.com/v1", "*", true},
		{"https://api.openai.com/v1", ".openai.com", true},
		{"https://api.openai.com/v1", ".internal.example.com", false},
		{"https://api.openai.com/v1", "api.openai.com", true},
		{"https://api.openai.com/v1", "other.com,api.openai.com", true},
		{"https://api.openai.com/v1", "", false},
	}
	for _, c := range cases {
		if got := noProxyMatches(c.target, c.noProxy); got != c.want {
			t.Errorf("noProxyMatches(%q, %q) = %v, want %v", c.target, c.noProxy, got, c.want)
		}
	}
}

func TestNew_DefaultClient(t *testing.T) {
	cli, err := New(Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cli.Timeout == 0 {
		t.Fatal("expected a non-zero default timeout")
	}
}

func TestNew_ProxyWithCredentials_SendsProxyAuthorization(t *testing.T) {
	var gotAuth string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Proxy-Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	proxyURL, err := url.Parse(proxy.URL)
	if err != nil {
		t.Fatalf("parse proxy url: %v", err)
	}
	proxyURL.User = url.UserPassword("proxyuser", "proxypass")

	cli, err := New(Options{ProxyURL: proxyURL.String()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := cli.Get("http://example.invalid/v1/models")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if gotAuth == "" {
		t.Fatal("expected Proxy-Authorization header to be sent to the proxy")
	}
	wantUser, wantPass, ok := parseBasicAuth(gotAuth)
	if !ok || wantUser != "proxyuser" || wantPass != "proxypass" {
		t.Fatalf("unexpected Proxy-Authorization: %q", gotAuth)
	}
}

func parseBasicAuth(header string) (user, pass string, ok bool) {
	req := &http.Request{Header: http.Header{"Authorization": {header}}}
	return req.BasicAuth()
}

func TestNew_VerifyDisable(t *testing.T) {
	cli, err := New(Options{Verify: VerifyDisable})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr, ok := cli.Transport.(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if !tr.TLSClientConfig.InsecureSkipVerify {
		t.Fatal("expected InsecureSkipVerify=true")
	}
}
