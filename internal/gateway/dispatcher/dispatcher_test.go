package dispatcher_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"botapigateway/internal/gateway/dispatcher"
)

func TestTable_DispatchUnknownMethod(t *testing.T) {
	t.Parallel()

	table := dispatcher.NewTable()
	_, err := table.Dispatch(context.Background(), "notAMethod", dispatcher.NewArgs(nil, nil))
	require.Error(t, err)
	var dErr *dispatcher.Error
	require.ErrorAs(t, err, &dErr)
	require.Equal(t, 404, dErr.Code)
}

func TestTable_AliasResolution(t *testing.T) {
	t.Parallel()

	table := dispatcher.NewTable()
	table.Register("banChatMember", func(ctx context.Context, a *dispatcher.Args) (any, *dispatcher.Error) {
		return "banned", nil
	})
	dispatcher.RegisterKnownAliases(table)

	result, err := table.Dispatch(context.Background(), "kickChatMember", dispatcher.NewArgs(nil, nil))
	require.Nil(t, err)
	require.Equal(t, "banned", result)
}

func TestArgs_IntDefaultBounds(t *testing.T) {
	t.Parallel()

	args := dispatcher.NewArgs(map[string]any{"limit": float64(500)}, nil)
	_, err := args.IntDefault("limit", 100, 1, 100)
	require.NotNil(t, err)
	require.Equal(t, 400, err.Code)
}

func TestArgs_ResolveInputFile_Attach(t *testing.T) {
	t.Parallel()

	args := dispatcher.NewArgs(
		map[string]any{"photo": "attach://file0"},
		map[string][]byte{"file0": []byte("jpeg-bytes")},
	)
	in, err := args.ResolveInputFile("photo", false)
	require.Nil(t, err)
	require.NotEmpty(t, in.Attach)
	require.Equal(t, []byte("jpeg-bytes"), in.UploadBytes)
}

func TestArgs_ResolveInputFile_UnknownAttach(t *testing.T) {
	t.Parallel()

	args := dispatcher.NewArgs(map[string]any{"photo": "attach://missing"}, nil)
	_, err := args.ResolveInputFile("photo", false)
	require.NotNil(t, err)
}
