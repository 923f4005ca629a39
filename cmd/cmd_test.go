//nolint:testpackage
package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/hazil/sha1t48/pkg/codec"
	"github.com/hazil/sha1t48/pkg/shardstore"
	"github.com/hazil/sha1t48/pkg/verifier"
)

func TestNewResource(t *testing.T) {
	t.Parallel()

	t.Run("ensure semconv points to the same version", func(t *testing.T) {
		cmd := &cli.Command{}
		_, err := newResource(context.Background(), cmd)
		require.NoError(t, err)
	})
}

// TestCheckSubcommand_doesNotRequireRootOutputFlag guards against the build
// subcommand's required --output flag leaking onto the root command and
// blocking `sha1t48 check ...`: build's flags live on the build subcommand
// (see buildCommand in build.go), not on root, specifically so this works.
func TestCheckSubcommand_doesNotRequireRootOutputFlag(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	err := New().Run(context.Background(), []string{"sha1t48", "check", "--index", dir, "not-a-real-password"})

	// No shard exists for this password's prefix, so the lookup itself
	// reports an incomplete index; what matters here is that we got that
	// far instead of failing root's flag validation before checkAction
	// ever ran.
	require.Error(t, err)
	assert.ErrorIs(t, err, verifier.ErrIndexIncomplete)
}

func TestCheckSubcommand_reportsBreachedPassword(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	prefix, needle := verifier.Split("hunter2")
	require.NoError(t, shardstore.WriteShard(dir, prefix, []codec.Record{needle}))

	err := New().Run(context.Background(), []string{"sha1t48", "check", "--index", dir, "hunter2"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBreachedPassword)
}
