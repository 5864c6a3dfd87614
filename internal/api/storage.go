package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/spf13/afero"

	"github.com/fetalscan/fetalscan/internal/imagestore"
)

// registerStorage serves stored images under /storage from the image store's
// filesystem. Directory listings are not served.
func (c *Controller) registerStorage(auth echo.MiddlewareFunc) {
	files := http.FileServer(afero.NewHttpFs(c.images.Fs()).Dir(c.images.Root()))
	handler := http.StripPrefix(imagestore.WebPrefix, files)

	c.Echo.GET(imagestore.WebPrefix+"/*", func(ctx echo.Context) error {
		p := ctx.Request().URL.Path
		if strings.HasSuffix(p, "/") || strings.Contains(p, "..") {
			return echo.ErrNotFound
		}
		handler.ServeHTTP(ctx.Response(), ctx.Request())
		return nil
	}, auth)
}
