package httpsearch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/research/ports"
)

func TestSearch_WithoutPageFetchUsesSnippets(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		fmt.Fprint(w, `{"results":[{"url":"https://example.com","title":"Go","snippet":"a language"}],"images":[{"url":"https://example.com/i.png","title":"logo"}]}`)
	}))
	defer api.Close()

	client := New(api.URL, "", WithoutPageFetch())
	result, err := client.Search(context.Background(), "golang", ports.SearchOptions{MaxResults: 5})
	require.NoError(t, err)

	require.Len(t, result.Sources, 1)
	assert.Equal(t, "https://example.com", result.Sources[0].URL)
	assert.Equal(t, "a language", result.Sources[0].Content)
	require.Len(t, result.Images, 1)
	assert.Equal(t, "logo", result.Images[0].Description)
}

func TestSearch_FetchesAndExtractsPageText(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><script>evil()</script></head><body><nav>menu</nav><p>Real   content</p></body></html>`)
	}))
	defer page.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"results":[{"url":%q,"title":"Page","snippet":"fallback"}]}`, page.URL)
	}))
	defer api.Close()

	client := New(api.URL, "")
	result, err := client.Search(context.Background(), "query", ports.SearchOptions{})
	require.NoError(t, err)

	require.Len(t, result.Sources, 1)
	assert.NotContains(t, result.Sources[0].Content, "evil()")
	assert.NotContains(t, result.Sources[0].Content, "menu")
	assert.Contains(t, result.Sources[0].Content, "Real content")
}

func TestSearch_FallsBackToSnippetOnFetchFailure(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"url":"http://127.0.0.1:0/unreachable","title":"X","snippet":"fallback text"}]}`)
	}))
	defer api.Close()

	client := New(api.URL, "")
	result, err := client.Search(context.Background(), "q", ports.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, result.Sources, 1)
	assert.Equal(t, "fallback text", result.Sources[0].Content)
}

func TestSearch_NonOKStatusReturnsError(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer api.Close()

	client := New(api.URL, "")
	_, err := client.Search(context.Background(), "q", ports.SearchOptions{})
	require.Error(t, err)
}

func TestSearch_APIKeyFallsBackToClientDefault(t *testing.T) {
	var gotAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"results":[]}`)
	}))
	defer api.Close()

	client := New(api.URL, "default-key", WithoutPageFetch())
	_, err := client.Search(context.Background(), "q", ports.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer default-key", gotAuth)
}

func TestWhitespaceRunCollapsesRuns(t *testing.T) {
	out := whitespaceRun.ReplaceAllString("a   b\n\tc", " ")
	assert.Equal(t, "a b c", out)
	assert.False(t, strings.Contains(out, "\n"))
}
