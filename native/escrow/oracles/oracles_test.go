package oracles

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

type mockFetcher struct {
	data map[string][]byte
	err  error
}

func (m *mockFetcher) AccountData(_ context.Context, address string) ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	data, ok := m.data[address]
	if !ok {
		return nil, errors.New("account not found")
	}
	return data, nil
}

func pythAccount(mantissa int64, expo int32) []byte {
	data := make([]byte, pythMinAccount)
	binary.LittleEndian.PutUint64(data[pythPriceOffset:], uint64(mantissa))
	binary.LittleEndian.PutUint32(data[pythExpoOffset:], uint32(expo))
	return data
}

func switchboardAccount(mantissaLo uint64, mantissaHi int64, scale uint32) []byte {
	data := make([]byte, switchboardMinAccount)
	binary.LittleEndian.PutUint64(data[switchboardMantissaOffset:], mantissaLo)
	binary.LittleEndian.PutUint64(data[switchboardMantissaOffset+8:], uint64(mantissaHi))
	binary.LittleEndian.PutUint32(data[switchboardScaleOffset:], scale)
	return data
}

func TestPythDecode(t *testing.T) {
	// 15025000000 * 10^-8 = 150.25
	fetcher := &mockFetcher{data: map[string][]byte{"acct": pythAccount(15_025_000_000, -8)}}
	src := NewPythSource(fetcher)
	got, err := src.FetchValue(context.Background(), "acct", "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if math.Abs(got-150.25) > 1e-9 {
		t.Fatalf("want 150.25, got %v", got)
	}
}

func TestPythRejectsShortAccount(t *testing.T) {
	fetcher := &mockFetcher{data: map[string][]byte{"acct": make([]byte, 100)}}
	src := NewPythSource(fetcher)
	if _, err := src.FetchValue(context.Background(), "acct", ""); err == nil {
		t.Fatalf("expected error for short account")
	}
}

func TestSwitchboardDecode(t *testing.T) {
	// 1234500 / 10^4 = 123.45
	fetcher := &mockFetcher{data: map[string][]byte{"acct": switchboardAccount(1_234_500, 0, 4)}}
	src := NewSwitchboardSource(fetcher)
	got, err := src.FetchValue(context.Background(), "acct", "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if math.Abs(got-123.45) > 1e-9 {
		t.Fatalf("want 123.45, got %v", got)
	}
}

func TestHTTPSourcePathsAndFallbacks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/nested":
			w.Write([]byte(`{"data":{"price":"42.5"}}`))
		case "/flat":
			w.Write([]byte(`{"result":7}`))
		case "/custom":
			w.Write([]byte(`{"metrics":{"latest":99.9}}`))
		case "/empty":
			w.Write([]byte(`{"note":"no numbers here"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	src := NewHTTPSource(server.Client())
	ctx := context.Background()

	if got, err := src.FetchValue(ctx, server.URL+"/nested", ""); err != nil || got != 42.5 {
		t.Fatalf("nested fallback: got %v err %v", got, err)
	}
	if got, err := src.FetchValue(ctx, server.URL+"/flat", ""); err != nil || got != 7 {
		t.Fatalf("flat fallback: got %v err %v", got, err)
	}
	if got, err := src.FetchValue(ctx, server.URL+"/custom", "metrics.latest"); err != nil || got != 99.9 {
		t.Fatalf("explicit path: got %v err %v", got, err)
	}
	if _, err := src.FetchValue(ctx, server.URL+"/empty", ""); err == nil {
		t.Fatalf("expected error when no numeric value present")
	}
	if _, err := src.FetchValue(ctx, server.URL+"/missing", ""); err == nil {
		t.Fatalf("expected error on 404")
	}
}

func TestRouterCatalogueAndSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feeds.yaml")
	raw := "feeds:\n  pyth:\n    SOL-USD: pyth-sol-account\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write catalogue: %v", err)
	}
	cat, err := LoadCatalogue(path)
	if err != nil {
		t.Fatalf("load catalogue: %v", err)
	}

	fetcher := &mockFetcher{data: map[string][]byte{"pyth-sol-account": pythAccount(100_000_000_000, -8)}}
	var observed []string
	router := NewRouter(cat, func(source string, ok bool) {
		outcome := "ok"
		if !ok {
			outcome = "err"
		}
		observed = append(observed, source+":"+outcome)
	})
	router.Register("pyth", NewPythSource(fetcher), 10)

	got, err := router.FetchValue(context.Background(), "pyth", "SOL-USD", "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got != 1000 {
		t.Fatalf("want 1000, got %v", got)
	}
	if len(observed) != 1 || observed[0] != "pyth:ok" {
		t.Fatalf("observer not invoked: %v", observed)
	}

	if _, err := router.FetchValue(context.Background(), "pyth", "BTC-USD", ""); !errors.Is(err, ErrUnknownFeed) {
		t.Fatalf("expected ErrUnknownFeed, got %v", err)
	}
	if _, err := router.FetchValue(context.Background(), "chainlink", "SOL-USD", ""); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}

func TestLoadCatalogueMissingFile(t *testing.T) {
	cat, err := LoadCatalogue("/nonexistent/feeds.yaml")
	if err != nil {
		t.Fatalf("missing catalogue must not error: %v", err)
	}
	if _, ok := cat.Lookup("pyth", "SOL-USD"); ok {
		t.Fatalf("empty catalogue must resolve nothing")
	}
}
