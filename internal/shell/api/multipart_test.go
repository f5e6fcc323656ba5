package api

import (
	"mime/multipart"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderedFields(t *testing.T) {
	files := map[string][]*multipart.FileHeader{
		"docker-compose":   nil,
		"dockerfile-10":    nil,
		"dockerfile-2":     nil,
		"dockerfile-b":     nil,
		"dockerfile-1":     nil,
		"dockerfile-a":     nil,
		"resource-3":       nil,
		"resource-1":       nil,
		"dockerfile-":      nil,
		"unrelated-field-": nil,
	}

	assert.Equal(t,
		[]string{"dockerfile-1", "dockerfile-2", "dockerfile-10", "dockerfile-", "dockerfile-a", "dockerfile-b"},
		orderedFields(files, fieldDockerfilePrefix))
	assert.Equal(t, []string{"resource-1", "resource-3"}, orderedFields(files, fieldResourcePrefix))
	assert.Empty(t, orderedFields(map[string][]*multipart.FileHeader{}, fieldResourcePrefix))
}
