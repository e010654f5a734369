package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/diff"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/journal"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/logging"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/repo"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/snapshot"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/version"
	"go.uber.org/zap"
)

const (
	actionImage = "image"
	actionDiff  = "diff"

	defaultRootBase   = "HEAD"
	imageSuffix       = ".svg"
	fitBoardParameter = "fit_board"

	defaultRecentLimit = 50
)

type errorResponse struct {
	Error string `json:"error"`
}

type rendersResponse struct {
	Renders []journal.RenderRecord `json:"renders"`
}

func (h *httpHandler) handleRoot(c *gin.Context) {
	target := diffPath(actionDiff, defaultRootBase, version.WorkingCopyToken, h.diff.DefaultObject())
	c.Redirect(http.StatusMovedPermanently, target)
}

func (h *httpHandler) handleAction(c *gin.Context) {
	switch c.Param("action") {
	case actionImage:
		h.handleImage(c)
	case actionDiff:
		h.handleDiff(c)
	default:
		c.JSON(http.StatusNotFound, errorResponse{Error: "not_found"})
	}
}

func (h *httpHandler) handleImage(c *gin.Context) {
	filename := c.Param("object")
	if !strings.HasSuffix(filename, imageSuffix) || len(filename) == len(imageSuffix) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "not_found"})
		return
	}
	object := strings.TrimSuffix(filename, imageSuffix)
	base, target := versionsFromPath(c)

	image, err := h.diff.RenderImage(c.Request.Context(), base, target, object, optionsFromQuery(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, image.ContentType, image.Body)
}

func (h *httpHandler) handleDiff(c *gin.Context) {
	base, target := versionsFromPath(c)
	page, err := h.diff.DiffPage(c.Request.Context(), base, target, c.Param("object"), optionsFromQuery(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.HTML(http.StatusOK, pageTemplateName, newPageView(page))
}

func (h *httpHandler) handleRecentRenders(c *gin.Context) {
	limit := defaultRecentLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_limit"})
			return
		}
		limit = parsed
	}
	records, err := h.journal.Recent(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rendersResponse{Renders: records})
}

// respondError maps missing objects, snapshots and archive entries to 404 and
// everything else to 500. The body carries the service error code when there
// is one.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if isNotFound(err) {
		status = http.StatusNotFound
	}

	code := "internal"
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		code = coded.Code()
	} else if status == http.StatusNotFound {
		code = "not_found"
	}

	logger := logging.FromContext(c.Request.Context(), h.logger)
	if status == http.StatusNotFound {
		logger.Debug("request target not found", zap.String("path", c.Request.URL.Path), zap.Error(err))
	} else {
		logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, errorResponse{Error: code})
}

func isNotFound(err error) bool {
	return errors.Is(err, diff.ErrNotFound) ||
		errors.Is(err, repo.ErrNotFound) ||
		errors.Is(err, snapshot.ErrNotFound)
}

func versionsFromPath(c *gin.Context) (version.Version, version.Version) {
	return version.FromPathToken(c.Param("base")), version.FromPathToken(c.Param("target"))
}

func optionsFromQuery(c *gin.Context) diff.Options {
	return diff.Options{FitBoard: c.Query(fitBoardParameter) == "true"}
}

func diffPath(action, base, target, object string) string {
	return "/" + strings.Join([]string{
		action,
		url.PathEscape(base),
		url.PathEscape(target),
		url.PathEscape(object),
	}, "/")
}
