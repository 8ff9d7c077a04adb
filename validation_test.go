package alarik

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateBucketName(t *testing.T) {
	valid := []string{
		"abc",
		"my-bucket",
		"my.bucket.dots",
		"0numeric9",
		strings.Repeat("a", 63),
	}
	for _, name := range valid {
		assert.NoError(t, ValidateBucketName(name), name)
	}

	invalid := []string{
		"",
		"ab",
		strings.Repeat("a", 64),
		"UpperCase",
		"-leading-dash",
		"trailing-dash-",
		".leading.dot",
		"trailing.dot.",
		"adjacent..dots",
		"under_score",
		"192.168.1.1",
		"spaces not ok",
	}
	for _, name := range invalid {
		assert.Error(t, ValidateBucketName(name), name)
	}
}

func TestValidateObjectKey(t *testing.T) {
	valid := []string{
		"file.txt",
		"deep/nested/path/file.bin",
		"dots.in..name", // '..' is only rejected as a whole path segment
		"trailing/",
		"weird chars ~!@#$%^&*()",
	}
	for _, key := range valid {
		assert.NoError(t, ValidateObjectKey(key), key)
	}

	invalid := []string{
		"",
		"/leading-slash",
		"a/../escape",
		"../escape",
		"a/..",
		"nul\x00byte",
		strings.Repeat("k", KeySizeLimit+1),
	}
	for _, key := range invalid {
		err := ValidateObjectKey(key)
		assert.Error(t, err, key)
	}

	assert.True(t, HasErrorCode(ValidateObjectKey("../etc/passwd"), ErrInvalidArgument))
	assert.True(t, HasErrorCode(ValidateObjectKey(strings.Repeat("k", KeySizeLimit+1)), ErrKeyTooLong))
}
