package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/diff"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/history"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/journal"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/metrics"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/render"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/repo"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/version"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type renderCall struct {
	base    version.Version
	target  version.Version
	object  string
	options diff.Options
}

type stubDiffService struct {
	mu            sync.Mutex
	defaultObject string
	calls         []renderCall
	renderErr     error
	pageErr       error
	page          diff.Page
}

func (s *stubDiffService) DefaultObject() string {
	return s.defaultObject
}

func (s *stubDiffService) RenderImage(_ context.Context, base, target version.Version, object string, opts diff.Options) (diff.Image, error) {
	s.mu.Lock()
	s.calls = append(s.calls, renderCall{base: base, target: target, object: object, options: opts})
	s.mu.Unlock()
	if s.renderErr != nil {
		return diff.Image{}, s.renderErr
	}
	return diff.Image{ContentType: diff.SVGContentType, Body: []byte(`<svg id="overlayed_svg"></svg>`)}, nil
}

func (s *stubDiffService) DiffPage(_ context.Context, base, target version.Version, object string, opts diff.Options) (diff.Page, error) {
	if s.pageErr != nil {
		return diff.Page{}, s.pageErr
	}
	page := s.page
	page.Base = base
	page.Target = target
	page.Object = object
	page.FitBoard = opts.FitBoard
	return page, nil
}

func (s *stubDiffService) renderCalls() []renderCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]renderCall(nil), s.calls...)
}

type stubJournal struct {
	limit   int
	records []journal.RenderRecord
	err     error
}

func (s *stubJournal) Recent(_ context.Context, limit int) ([]journal.RenderRecord, error) {
	s.limit = limit
	return s.records, s.err
}

type codedError struct {
	code string
	err  error
}

func (e *codedError) Error() string { return e.code + ": " + e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }
func (e *codedError) Code() string  { return e.code }

func newStubDiffService() *stubDiffService {
	return &stubDiffService{
		defaultObject: "F.Cu",
		page: diff.Page{
			Mode:      render.ModeBoard,
			Objects:   []string{"F.Cu", "B.Cu", "amp"},
			Snapshots: []string{"2024-06-01_120000"},
			Commits: []history.Commit{{
				Hash:    strings.Repeat("a", 40),
				Refs:    "HEAD -> main",
				Subject: "route power rails",
			}},
		},
	}
}

func newTestHandler(testContext *testing.T, deps Dependencies) http.Handler {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		testContext.Fatalf("failed to construct handler: %v", err)
	}
	return handler
}

func serve(handler http.Handler, target string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, target, http.NoBody))
	return recorder
}

func decodeError(testContext *testing.T, recorder *httptest.ResponseRecorder) string {
	testContext.Helper()
	var payload errorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode error body %q: %v", recorder.Body.String(), err)
	}
	return payload.Error
}

func TestNewHTTPHandlerRequiresDiffService(testContext *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingDiffService) {
		testContext.Fatalf("expected errMissingDiffService, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Diff: &stubDiffService{}}); !errors.Is(err, errNoDefaultObject) {
		testContext.Fatalf("expected errNoDefaultObject, got %v", err)
	}
}

func TestRootRedirectsToFirstLayer(testContext *testing.T) {
	handler := newTestHandler(testContext, Dependencies{Diff: newStubDiffService()})

	recorder := serve(handler, "/")
	if recorder.Code != http.StatusMovedPermanently {
		testContext.Fatalf("expected 301, got %d", recorder.Code)
	}
	if location := recorder.Header().Get("Location"); location != "/diff/HEAD/WORK/F.Cu" {
		testContext.Fatalf("unexpected redirect target %q", location)
	}
}

func TestRootRedirectsToSchematicWithoutBoard(testContext *testing.T) {
	service := newStubDiffService()
	service.defaultObject = "amp"
	handler := newTestHandler(testContext, Dependencies{Diff: service})

	recorder := serve(handler, "/")
	if location := recorder.Header().Get("Location"); location != "/diff/HEAD/WORK/amp" {
		testContext.Fatalf("unexpected redirect target %q", location)
	}
}

func TestImageRouteRendersOverlay(testContext *testing.T) {
	service := newStubDiffService()
	handler := newTestHandler(testContext, Dependencies{Diff: service})

	recorder := serve(handler, "/image/2024-01-01_000000/WORK/F.Cu.svg?fit_board=true")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if contentType := recorder.Header().Get("Content-Type"); contentType != diff.SVGContentType {
		testContext.Fatalf("unexpected content type %q", contentType)
	}
	if !strings.Contains(recorder.Body.String(), `id="overlayed_svg"`) {
		testContext.Fatalf("unexpected body %q", recorder.Body.String())
	}
	if recorder.Header().Get(requestIDHeader) == "" {
		testContext.Fatal("expected a request id header")
	}

	calls := service.renderCalls()
	if len(calls) != 1 {
		testContext.Fatalf("expected one render call, got %d", len(calls))
	}
	call := calls[0]
	if call.base.Kind() != version.KindSnapshot || call.base.ID() != "2024-01-01_000000" {
		testContext.Fatalf("unexpected base %v", call.base)
	}
	if call.target.Kind() != version.KindCurrent {
		testContext.Fatalf("expected working copy target, got %v", call.target)
	}
	if call.object != "F.Cu" || !call.options.FitBoard {
		testContext.Fatalf("unexpected call %+v", call)
	}
}

func TestImageRouteKeepsEscapedRefInOneSegment(testContext *testing.T) {
	service := newStubDiffService()
	handler := newTestHandler(testContext, Dependencies{Diff: service})

	recorder := serve(handler, "/image/feature%2Fpower/HEAD/amp.svg")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d", recorder.Code)
	}
	calls := service.renderCalls()
	if len(calls) != 1 || calls[0].base.ID() != "feature/power" || calls[0].base.Kind() != version.KindRevision {
		testContext.Fatalf("unexpected calls %+v", calls)
	}
	if calls[0].options.FitBoard {
		testContext.Fatal("fit_board must default to false")
	}
}

func TestRouteShapesThatAreNotFound(testContext *testing.T) {
	testCases := []struct {
		name   string
		target string
	}{
		{name: "image without svg suffix", target: "/image/HEAD/WORK/F.Cu"},
		{name: "bare svg suffix", target: "/image/HEAD/WORK/.svg"},
		{name: "unknown action", target: "/export/HEAD/WORK/F.Cu"},
		{name: "too few segments", target: "/diff/HEAD/WORK"},
		{name: "too many segments", target: "/diff/HEAD/WORK/F.Cu/extra"},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(subTest *testing.T) {
			service := newStubDiffService()
			handler := newTestHandler(subTest, Dependencies{Diff: service})

			recorder := serve(handler, testCase.target)
			if recorder.Code != http.StatusNotFound {
				subTest.Fatalf("expected 404, got %d", recorder.Code)
			}
			if code := decodeError(subTest, recorder); code != "not_found" {
				subTest.Fatalf("unexpected error code %q", code)
			}
			if len(service.renderCalls()) != 0 {
				subTest.Fatal("renderer must not be reached")
			}
		})
	}
}

func TestImageRouteMapsErrors(testContext *testing.T) {
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "unknown object",
			err:        &codedError{code: "diff.render_image.unknown_object", err: diff.ErrNotFound},
			wantStatus: http.StatusNotFound,
			wantCode:   "diff.render_image.unknown_object",
		},
		{
			name:       "missing snapshot archive",
			err:        &codedError{code: "diff.render_image.extract_failed", err: fmt.Errorf("open: %w", repo.ErrNotFound)},
			wantStatus: http.StatusNotFound,
			wantCode:   "diff.render_image.extract_failed",
		},
		{
			name:       "renderer failure",
			err:        &codedError{code: "diff.render_image.render_failed", err: render.ErrRender},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "diff.render_image.render_failed",
		},
		{
			name:       "uncoded failure",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "internal",
		},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(subTest *testing.T) {
			service := newStubDiffService()
			service.renderErr = testCase.err
			handler := newTestHandler(subTest, Dependencies{Diff: service})

			recorder := serve(handler, "/image/HEAD/WORK/F.Cu.svg")
			if recorder.Code != testCase.wantStatus {
				subTest.Fatalf("expected %d, got %d", testCase.wantStatus, recorder.Code)
			}
			if code := decodeError(subTest, recorder); code != testCase.wantCode {
				subTest.Fatalf("unexpected error code %q", code)
			}
		})
	}
}

func TestDiffRouteRendersPage(testContext *testing.T) {
	handler := newTestHandler(testContext, Dependencies{Diff: newStubDiffService()})

	recorder := serve(handler, "/diff/HEAD/WORK/F.Cu?fit_board=true")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if contentType := recorder.Header().Get("Content-Type"); !strings.HasPrefix(contentType, "text/html") {
		testContext.Fatalf("unexpected content type %q", contentType)
	}
	body := recorder.Body.String()
	for _, want := range []string{
		`data-src="/image/HEAD/WORK/F.Cu.svg?fit_board=true"`,
		`href="/diff/HEAD/WORK/amp?fit_board=true"`,
		`<option value="2024-06-01_120000">2024-06-01_120000</option>`,
		"aaaaaaa route power rails (HEAD -&gt; main)",
		"fit to board",
	} {
		if !strings.Contains(body, want) {
			testContext.Fatalf("expected page to contain %q", want)
		}
	}
}

func TestDiffRouteUnknownObject(testContext *testing.T) {
	service := newStubDiffService()
	service.pageErr = &codedError{code: "diff.diff_page.unknown_object", err: diff.ErrNotFound}
	handler := newTestHandler(testContext, Dependencies{Diff: service})

	recorder := serve(handler, "/diff/HEAD/WORK/nope")
	if recorder.Code != http.StatusNotFound {
		testContext.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestRecentRendersRoute(testContext *testing.T) {
	records := &stubJournal{records: []journal.RenderRecord{{RecordID: "r-1", Version: "WORK", Object: "F.Cu", Mode: "pcb", Outcome: journal.OutcomeOK}}}
	handler := newTestHandler(testContext, Dependencies{Diff: newStubDiffService(), Journal: records})

	recorder := serve(handler, "/api/renders?limit=5")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d", recorder.Code)
	}
	if records.limit != 5 {
		testContext.Fatalf("expected limit 5, got %d", records.limit)
	}
	var payload struct {
		Renders []journal.RenderRecord `json:"renders"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Renders) != 1 || payload.Renders[0].RecordID != "r-1" {
		testContext.Fatalf("unexpected renders %+v", payload.Renders)
	}

	if recorder := serve(handler, "/api/renders"); recorder.Code != http.StatusOK || records.limit != defaultRecentLimit {
		testContext.Fatalf("expected default limit, got status %d limit %d", recorder.Code, records.limit)
	}
	if recorder := serve(handler, "/api/renders?limit=abc"); recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected 400 for invalid limit, got %d", recorder.Code)
	}
}

func TestMetricsRouteAndRequestCounter(testContext *testing.T) {
	registry := metrics.New()
	handler := newTestHandler(testContext, Dependencies{Diff: newStubDiffService(), Metrics: registry})

	serve(handler, "/image/HEAD/WORK/F.Cu.svg")
	serve(handler, "/image/HEAD/WORK/F.Cu")

	if got := testutil.ToFloat64(registry.HTTPRequestsTotal.WithLabelValues("/:action/:base/:target/:object", "200")); got != 1 {
		testContext.Fatalf("expected one 200 request, got %v", got)
	}
	if got := testutil.ToFloat64(registry.HTTPRequestsTotal.WithLabelValues("/:action/:base/:target/:object", "404")); got != 1 {
		testContext.Fatalf("expected one 404 request, got %v", got)
	}

	recorder := serve(handler, "/metrics")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200 from /metrics, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "kidivis_http_requests_total") {
		testContext.Fatal("expected request counter in exposition")
	}
}

func TestRequestIDIsPropagated(testContext *testing.T) {
	handler := newTestHandler(testContext, Dependencies{Diff: newStubDiffService()})

	request := httptest.NewRequest(http.MethodGet, "/image/HEAD/WORK/F.Cu.svg", http.NoBody)
	request.Header.Set(requestIDHeader, "trace-7")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if got := recorder.Header().Get(requestIDHeader); got != "trace-7" {
		testContext.Fatalf("expected incoming request id to be echoed, got %q", got)
	}
}
