package panel

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
)

//go:embed web/*
var content embed.FS

// Handler returns an http.Handler serving the dashboard.
//
// When dir names an existing directory, assets are served from it and
// edits show up on reload. Otherwise the embedded assets are used. Unknown
// paths fall back to index.html. Panics if the embedded assets are missing,
// which is a build error.
func Handler(dir string) http.Handler {
	fileSystem := assets(dir)
	fileServer := http.FileServer(fileSystem)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The assets are not content-hashed.
		w.Header().Set("Cache-Control", "no-cache, must-revalidate")

		upath := path.Clean("/" + r.URL.Path)
		if upath == "/" {
			fileServer.ServeHTTP(w, r)
			return
		}

		f, err := fileSystem.Open(upath[1:])
		if err != nil {
			serveIndex(fileServer, w, r)
			return
		}
		info, err := f.Stat()
		f.Close() //nolint:errcheck // Read-only file
		if err != nil || info.IsDir() {
			serveIndex(fileServer, w, r)
			return
		}

		fileServer.ServeHTTP(w, r)
	})
}

func assets(dir string) http.FileSystem {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return http.Dir(dir)
		}
	}
	webFS, err := fs.Sub(content, "web")
	if err != nil {
		panic(fmt.Sprintf("panel: failed to load embedded web assets: %v", err))
	}
	return http.FS(webFS)
}

// serveIndex answers with index.html for paths that are not assets.
func serveIndex(fileServer http.Handler, w http.ResponseWriter, r *http.Request) {
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/"
	fileServer.ServeHTTP(w, r2)
}
