package content

import (
	"context"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketfeed/linkharvest/internal/config"
	"github.com/marketfeed/linkharvest/internal/crawler"
)

func parseDoc(t *testing.T, markup string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	require.NoError(t, err)
	return doc
}

func TestExtractTextRemovesScriptsAndNormalizesWhitespace(t *testing.T) {
	doc := parseDoc(t, `<html><body>
		<h1>Кроссовки  Alpha</h1>
		<script>track();</script>
		<style>.a{}</style>
		<noscript>enable js</noscript>
		<p>Описание
		товара</p>
	</body></html>`)

	text := ExtractText(doc, nil)
	assert.Equal(t, "Кроссовки Alpha Описание товара", text)
}

func TestExtractTextDropAfterTruncatesInclusive(t *testing.T) {
	doc := parseDoc(t, `<html><body>
		<div><p>keep one</p><p>keep two</p></div>
		<div class="reviews"><p>review text</p></div>
		<footer>footer text</footer>
	</body></html>`)

	text := ExtractText(doc, []string{".reviews"})
	assert.Contains(t, text, "keep one")
	assert.Contains(t, text, "keep two")
	assert.NotContains(t, text, "review text")
	assert.NotContains(t, text, "footer text")
}

func TestExtractMainImagePriority(t *testing.T) {
	t.Run("og image wins", func(t *testing.T) {
		doc := parseDoc(t, `<html><head>
			<meta property="og:image" content="/img/main.jpg">
		</head><body><img src="/img/other.jpg"></body></html>`)
		got := ExtractMainImageURL(doc, "https://x.ru/item/1", "")
		assert.Equal(t, "https://x.ru/img/main.jpg", got)
	})

	t.Run("srcset picks widest", func(t *testing.T) {
		doc := parseDoc(t, `<html><body>
			<img srcset="/img/s.jpg 320w, /img/l.jpg 1280w, /img/m.jpg 640w">
		</body></html>`)
		got := ExtractMainImageURL(doc, "https://x.ru/item/1", "")
		assert.Equal(t, "https://x.ru/img/l.jpg", got)
	})

	t.Run("src fallback", func(t *testing.T) {
		doc := parseDoc(t, `<html><body><img src="/img/only.png"></body></html>`)
		got := ExtractMainImageURL(doc, "https://x.ru/item/1", "")
		assert.Equal(t, "https://x.ru/img/only.png", got)
	})

	t.Run("selector override", func(t *testing.T) {
		doc := parseDoc(t, `<html><head>
			<meta property="og:image" content="/img/og.jpg">
		</head><body><img class="zoom" src="/img/zoom.jpg"></body></html>`)
		got := ExtractMainImageURL(doc, "https://x.ru/item/1", "img.zoom")
		assert.Equal(t, "https://x.ru/img/zoom.jpg", got)
	})
}

func TestTextBySelectorsFallback(t *testing.T) {
	doc := parseDoc(t, `<html><body>
		<div class="second">Fallback name</div>
	</body></html>`)

	got := TextBySelectors(doc, []string{".first", ".second"})
	assert.Equal(t, "Fallback name", got)
}

func TestCleanPrice(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"12 990 ₽", "12 990 ₽"},
		{"1 290 руб.", "1 290 руб."},
		{"5990 рублей", "5990 руб."},
		{"от 2 490", "2 490"},
		{"", ""},
		{"цена по запросу", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, CleanPrice(tc.in), "input %q", tc.in)
	}
}

type stubEngine struct {
	html string
	err  error
}

func (s *stubEngine) Fetch(_ context.Context, _ crawler.EngineRequest) (crawler.FetchResult, error) {
	if s.err != nil {
		return crawler.FetchResult{}, s.err
	}
	return crawler.FetchResult{HTML: s.html, Status: 200}, nil
}

func (s *stubEngine) Close() {}

func TestFetcherExtractsFields(t *testing.T) {
	engine := &stubEngine{html: `<html><head>
		<meta property="og:title" content="Кроссовки Alpha">
		<meta property="og:image" content="https://x.ru/img/a.jpg">
	</head><body>
		<h1 class="name-ru">Кроссовки Альфа</h1>
		<div class="name-en">Alpha Sneakers</div>
		<span class="price-old">15 990 ₽</span>
		<span class="price-new">12 990 ₽</span>
		<p>Лёгкие кроссовки для бега.</p>
	</body></html>`}

	fetcher := NewFetcher(engine, config.SelectorConfig{
		NameENSelectors:               []string{".name-en"},
		NameRUSelectors:               []string{".missing", ".name-ru"},
		PriceWithoutDiscountSelectors: []string{".price-old"},
		PriceWithDiscountSelectors:    []string{".price-new"},
	}, zaptest.NewLogger(t))

	got, err := fetcher.Fetch(context.Background(), "https://x.ru/item/1", nil)
	require.NoError(t, err)
	assert.Equal(t, "Кроссовки Alpha", got.Title)
	assert.Equal(t, "Alpha Sneakers", got.NameEN)
	assert.Equal(t, "Кроссовки Альфа", got.NameRU)
	assert.Equal(t, "15 990 ₽", got.PriceWithoutDiscount)
	assert.Equal(t, "12 990 ₽", got.PriceWithDiscount)
	assert.Equal(t, "https://x.ru/img/a.jpg", got.ImageURL)
	assert.Contains(t, got.Text, "Лёгкие кроссовки")
}
