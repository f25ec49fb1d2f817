package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveKey_PlainKeyUnchanged(t *testing.T) {
	assert.Equal(t, "2024/01/doc.pdf", ResolveKey("index", "2024/01/doc.pdf"))
}

func TestResolveKey_PublicURLStripsPrefixAndBucket(t *testing.T) {
	url := "https://xyz.supabase.co/storage/v1/object/public/index/2024/01/doc.pdf"
	assert.Equal(t, "2024/01/doc.pdf", ResolveKey("index", url))
}

func TestResolveKey_SignedURLStripsPrefixAndBucket(t *testing.T) {
	url := "https://xyz.supabase.co/storage/v1/object/sign/actes/2024/acte-1.pdf?token=abc"
	assert.Equal(t, "2024/acte-1.pdf?token=abc", ResolveKey("actes", url))
}

func TestResolveKey_URLWithoutBucketPrefixKeepsWholeCapture(t *testing.T) {
	url := "https://xyz.supabase.co/storage/v1/object/public/some-other-bucket/2024/doc.pdf"
	assert.Equal(t, "some-other-bucket/2024/doc.pdf", ResolveKey("index", url))
}

func TestResolveKey_BareObjectPathNoVariant(t *testing.T) {
	url := "https://xyz.supabase.co/storage/v1/object/index/2024/doc.pdf"
	assert.Equal(t, "2024/doc.pdf", ResolveKey("index", url))
}
