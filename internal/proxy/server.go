// Forward proxy that answers plain-HTTP GETs from the URL cache
package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/url-cache/internal/cache"
	"github.com/iTrooz/url-cache/internal/config"
	"github.com/iTrooz/url-cache/internal/urlcache"
)

// Fetcher runs a conditional fetch and stores the body
type Fetcher interface {
	Fetch(rawURL string) (*urlcache.Result, error)
}

// Server represents the caching proxy server
type Server struct {
	config  *config.Config
	proxy   *goproxy.ProxyHttpServer
	fetcher Fetcher
	store   cache.Cache
	rules   []Rule
}

// New creates a new proxy server
func New(cfg *config.Config, fetcher Fetcher, store cache.Cache) (*Server, error) {
	if fetcher == nil || store == nil {
		return nil, errors.New("proxy needs a fetcher and a store")
	}

	s := &Server{
		config:  cfg,
		proxy:   goproxy.NewProxyHttpServer(),
		fetcher: fetcher,
		store:   store,
		rules:   rulesFromConfig(cfg.Rules),
	}

	s.proxy.Logger = logrus.StandardLogger()
	s.proxy.Verbose = logrus.IsLevelEnabled(logrus.DebugLevel)
	s.proxy.OnRequest().DoFunc(s.handleRequest)

	return s, nil
}

// GetProxy returns the underlying goproxy handler (exported for testing)
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

// Start starts the proxy server
func (s *Server) Start() error {
	// Ensure storage directory exists
	if err := s.store.Init(); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	logrus.Infof("Starting caching proxy on port %d", s.config.Server.Port)
	logrus.Infof("Catalog: %s", s.config.Catalog.Path)
	logrus.Infof("Storage root: %s", s.config.Storage.Root)
	logrus.Infof("Rules mode: %s", s.config.Rules.Mode)

	return http.ListenAndServe(fmt.Sprintf(":%d", s.config.Server.Port), s.proxy)
}

func (s *Server) handleRequest(requ *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	targetURL, ok := cacheTarget(requ)
	if !ok {
		return requ, nil
	}

	if !s.shouldBeCached(targetURL, requ.Method) {
		logrus.Debugf("Forwarding %s %s (caching disabled by rules)", requ.Method, targetURL)
		return requ, nil
	}

	result, err := s.fetcher.Fetch(targetURL)
	if err != nil {
		logrus.Errorf("Failed to fetch %s: %v", targetURL, err)
		return requ, goproxy.NewResponse(requ, goproxy.ContentTypeText, http.StatusBadGateway, err.Error())
	}

	data, err := s.store.Get(result.Path)
	if err != nil {
		logrus.Errorf("Failed to read stored body for %s: %v", targetURL, err)
		return requ, goproxy.NewResponse(requ, goproxy.ContentTypeText, http.StatusBadGateway, "stored body unavailable")
	}

	// a 304 revalidated the stored copy, which is served as a 200
	status := result.StatusCode
	if result.NotModified || status == 0 {
		status = http.StatusOK
	}

	resp := goproxy.NewResponse(requ, http.DetectContentType(data), status, string(data))
	resp.Header.Set("Last-Modified", result.LastModified)
	resp.Header.Set("X-Cache-File", result.FilePath)
	if result.NotModified {
		resp.Header.Set("X-Cache", "HIT")
		logrus.Infof("Serving from cache: %s", targetURL)
	} else {
		resp.Header.Set("X-Cache", "MISS")
	}

	return requ, resp
}

// shouldBeCached determines if a request goes through the cache based on rules
func (s *Server) shouldBeCached(targetURL, method string) bool {
	matched := false
	for _, rule := range s.rules {
		if rule.Match(targetURL, method) {
			matched = true
			break
		}
	}

	if s.config.Rules.Mode == "whitelist" {
		return matched
	}
	return !matched
}

// cacheTarget returns the scheme-less URL a request is cached under. Only
// plain-HTTP GETs naming a file can be cached.
func cacheTarget(requ *http.Request) (string, bool) {
	if requ.Method != http.MethodGet || requ.URL.Scheme != "http" {
		return "", false
	}

	host := strings.TrimSuffix(requ.URL.Host, ":80")
	path := strings.TrimPrefix(requ.URL.RequestURI(), "/")
	if host == "" || path == "" || strings.HasSuffix(requ.URL.Path, "/") {
		return "", false
	}

	return host + "/" + path, true
}
