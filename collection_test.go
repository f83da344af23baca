package artifactsync

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollectionKeyDeterministic(t *testing.T) {
	id := CollectionID("wolfeidau/artifacts@v1.2.3")

	k1 := id.Key()
	k2 := id.Key()
	require.Equal(t, k1, k2)
}

func TestCollectionKeyDistinct(t *testing.T) {
	a := CollectionID("owner/repo@v1").Key()
	b := CollectionID("owner/repo@v2").Key()
	require.NotEqual(t, a, b)
}

func TestCollectionKeyFormat(t *testing.T) {
	k := CollectionID("owner/repo@tag").Key()

	require.Len(t, string(k), CacheKeyLen)
	require.Equal(t, strings.ToUpper(string(k)), string(k))

	// Round-trips through validation.
	parsed, err := ParseCacheKey(string(k))
	require.NoError(t, err)
	require.Equal(t, k, parsed)
}

func TestCollectionKeyHostileIDs(t *testing.T) {
	// Identifiers with path separators or traversal sequences still
	// produce plain hex filenames.
	for _, id := range []string{
		"../../etc/passwd",
		"a/b/c@d",
		"weird\x00bytes",
		strings.Repeat("x", 4096),
	} {
		k := CollectionID(id).Key()
		_, err := ParseCacheKey(string(k))
		require.NoError(t, err, "id %q", id)
	}
}

func TestParseCollectionID(t *testing.T) {
	id, err := ParseCollectionID("owner/repo@tag")
	require.NoError(t, err)
	require.Equal(t, "owner/repo@tag", id.String())

	_, err = ParseCollectionID("")
	require.Error(t, err)

	_, err = ParseCollectionID("   ")
	require.Error(t, err)
}

func TestParseCacheKeyRejectsInvalid(t *testing.T) {
	_, err := ParseCacheKey("short")
	require.Error(t, err)

	// Lowercase hex of the right length.
	_, err = ParseCacheKey(strings.Repeat("ab", 20))
	require.Error(t, err)

	// Non-hex characters of the right length.
	_, err = ParseCacheKey(strings.Repeat("ZZ", 20))
	require.Error(t, err)
}
