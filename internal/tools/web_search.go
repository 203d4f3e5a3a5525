package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

const (
	WebSearchToolName    = "web_search"
	WebSearchHTTPTimeout = 10 * time.Second
	maxFetchBody         = 512 * 1024
)

type WebSearchConfig struct {
	GoogleAPIKey   string
	GoogleEngineID string
	Logger         *slog.Logger
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
	logger     *slog.Logger
}

type webSearchParams struct {
	Query string `json:"query"`
}

// NewWebSearch builds the web_search tool. Google is used when credentials
// are configured, DuckDuckGo otherwise or when Google fails.
func NewWebSearch(ctx context.Context, cfg WebSearchConfig) (tool.InvokableTool, error) {
	ws := &webSearchTool{
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		logger:     cfg.Logger,
	}
	if ws.logger == nil {
		ws.logger = slog.New(slog.DiscardHandler)
	}
	if cfg.GoogleAPIKey != "" && cfg.GoogleEngineID != "" {
		google, err := googlesearch.NewTool(ctx, &googlesearch.Config{
			ToolName:       "web_search_google",
			ToolDesc:       "Google Search Tool",
			APIKey:         cfg.GoogleAPIKey,
			SearchEngineID: cfg.GoogleEngineID,
			Lang:           "en",
			Num:            5,
		})
		if err != nil {
			return nil, fmt.Errorf("init google search: %w", err)
		}
		ws.google = google
	} else {
		ws.logger.Info("google search disabled: missing api key or engine id")
	}
	duck, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool",
		MaxResults: 5,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("init duckduckgo search: %w", err)
	}
	ws.duck = duck
	return ws.tool(), nil
}

func (w *webSearchTool) tool() tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: WebSearchToolName,
		Desc: "Search the web for current information such as news, prices or facts. " +
			"Pass a URL to read that page directly.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to fetch",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, w.run)
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}

	if target, ok := pageURL(query); ok {
		content, err := w.fetchPage(ctx, target)
		if err == nil {
			return content, nil
		}
		w.logger.Warn("web url fetch failed", "url", query, "error", err)
	}

	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}

	if w.google != nil {
		result, err := w.google.InvokableRun(ctx, string(payload))
		if err == nil {
			return result, nil
		}
		w.logger.Warn("google search failed", "error", err)
	}
	if w.duck != nil {
		result, err := w.duck.InvokableRun(ctx, string(payload))
		if err == nil {
			return result, nil
		}
		w.logger.Warn("duckduckgo search failed", "error", err)
	}
	return "", errors.New("no search provider succeeded")
}

// pageURL reports whether the query is a single http(s) URL to read.
func pageURL(query string) (*url.URL, bool) {
	if strings.ContainsAny(query, " \t\n") {
		return nil, false
	}
	u, err := url.Parse(query)
	if err != nil || u.Host == "" {
		return nil, false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u, true
	}
	return nil, false
}

// fetchPage reads at most maxFetchBody bytes of a page.
func (w *webSearchTool) fetchPage(ctx context.Context, target *url.URL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "negotiatechat-websearch/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: %s", target.Host, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", target.Host, err)
	}
	if len(body) > maxFetchBody {
		return string(body[:maxFetchBody]) + "\n[truncated]", nil
	}
	return string(body), nil
}
