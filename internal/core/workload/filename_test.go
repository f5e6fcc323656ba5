package workload

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename_TableDriven(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "docker-compose.yaml", "docker-compose.yaml"},
		{"spaces", "My Dockerfile.dev", "My_Dockerfile.dev"},
		{"traversal", "../../etc/passwd", "etc_passwd"},
		{"absolute", "/etc/shadow", "etc_shadow"},
		{"backslashes", `..\..\windows\system32`, "windows_system32"},
		{"accents", "résumé.txt", "resume.txt"},
		{"shell-metachars", "a;b&c$(d).sh", "abcd.sh"},
		{"hidden", ".bashrc", "bashrc"},
		{"only-dots", "..", ""},
		{"empty", "", ""},
		{"non-ascii-only", "日本語", ""},
		{"device-name", "CON.txt", "_CON.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.input))
		})
	}
}

func TestSanitizeFilename_NeverContainsSeparators(t *testing.T) {
	inputs := []string{"a/b", "a\\b", "../x", "./.././y", "/"}
	for _, in := range inputs {
		got := SanitizeFilename(in)
		assert.NotContains(t, got, "/")
		assert.NotContains(t, got, "\\")
		assert.NotEqual(t, "..", got)
	}
}

func TestIsManifestName(t *testing.T) {
	assert.True(t, IsManifestName("docker-compose.yaml"))
	assert.True(t, IsManifestName("stack.YML"))
	assert.False(t, IsManifestName("Dockerfile"))
	assert.False(t, IsManifestName("yaml"))
}
