package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/artpar/webtopd/internal/shell/lifecycle"
)

// Multipart field names.
const (
	fieldManifest         = "docker-compose"
	fieldDockerfilePrefix = "dockerfile-"
	fieldResourcePrefix   = "resource-"

	// multipartMemory is how much of the form is buffered in memory;
	// larger uploads spill to temporary files.
	multipartMemory = 32 << 20
)

var (
	errNoFiles         = errors.New("no files received")
	errMissingManifest = errors.New("missing docker-compose file")
	errBodyTooLarge    = errors.New("upload exceeds size limit")
)

// uploadedBundle is a parsed deploy form. Close releases the opened files
// and any temporary files the form spilled to.
type uploadedBundle struct {
	bundle  lifecycle.Bundle
	form    *multipart.Form
	closers []io.Closer
}

func (u *uploadedBundle) Close() {
	for _, c := range u.closers {
		c.Close()
	}
	if u.form != nil {
		u.form.RemoveAll()
	}
}

// parseBundle reads the deploy form. Dockerfile and resource fields are
// ordered by numeric suffix so dockerfile-2 precedes dockerfile-10.
func parseBundle(w http.ResponseWriter, r *http.Request, maxBytes int64) (*uploadedBundle, error) {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errBodyTooLarge
		}
		return nil, errNoFiles
	}

	u := &uploadedBundle{form: r.MultipartForm}
	files := r.MultipartForm.File
	if len(files) == 0 {
		u.Close()
		return nil, errNoFiles
	}

	manifests := files[fieldManifest]
	if len(manifests) == 0 {
		u.Close()
		return nil, errMissingManifest
	}

	open := func(fh *multipart.FileHeader) (lifecycle.Artifact, error) {
		f, err := fh.Open()
		if err != nil {
			return lifecycle.Artifact{}, err
		}
		u.closers = append(u.closers, f)
		return lifecycle.Artifact{Name: fh.Filename, Content: f}, nil
	}

	m, err := open(manifests[0])
	if err != nil {
		u.Close()
		return nil, err
	}
	u.bundle.Manifest = &m

	for _, key := range orderedFields(files, fieldDockerfilePrefix) {
		for _, fh := range files[key] {
			a, err := open(fh)
			if err != nil {
				u.Close()
				return nil, err
			}
			u.bundle.BuildFiles = append(u.bundle.BuildFiles, a)
		}
	}
	for _, key := range orderedFields(files, fieldResourcePrefix) {
		for _, fh := range files[key] {
			a, err := open(fh)
			if err != nil {
				u.Close()
				return nil, err
			}
			u.bundle.Resources = append(u.bundle.Resources, a)
		}
	}

	return u, nil
}

// orderedFields returns the form keys carrying prefix, numeric suffixes
// first in numeric order, then the rest lexically.
func orderedFields(files map[string][]*multipart.FileHeader, prefix string) []string {
	var keys []string
	for key := range files {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.SortFunc(keys, func(a, b string) int {
		na, errA := strconv.Atoi(strings.TrimPrefix(a, prefix))
		nb, errB := strconv.Atoi(strings.TrimPrefix(b, prefix))
		switch {
		case errA == nil && errB == nil && na != nb:
			if na < nb {
				return -1
			}
			return 1
		case errA == nil && errB != nil:
			return -1
		case errA != nil && errB == nil:
			return 1
		}
		return strings.Compare(a, b)
	})
	return keys
}
