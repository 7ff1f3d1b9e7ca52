package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/p2psync/internal/errs"
	"github.com/and161185/p2psync/internal/model"
)

func TestDecodeFiles_OK(t *testing.T) {
	t.Parallel()
	files, err := DecodeFiles(`[{"treePath":"a/b.txt","filesize":3,"timestamp":99}]`)
	require.NoError(t, err)
	require.Equal(t, []model.FileMeta{{TreePath: "a/b.txt", Filesize: 3, Timestamp: 99}}, files)

	s, err := EncodeFiles(files)
	require.NoError(t, err)
	require.NotContains(t, s, "\n")
}

func TestDecodeFiles_Rejects(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"not json":      `__import__('os').system('rm -rf /')`,
		"object":        `{"treePath":"a"}`,
		"unknown field": `[{"treePath":"a","filesize":1,"timestamp":1,"exec":"x"}]`,
		"trailing":      `[] []`,
		"empty path":    `[{"treePath":"","filesize":1,"timestamp":1}]`,
		"dotdot":        `[{"treePath":"../etc/passwd","filesize":1,"timestamp":1}]`,
		"double slash":  `[{"treePath":"a//b","filesize":1,"timestamp":1}]`,
		"negative size": `[{"treePath":"a","filesize":-1,"timestamp":1}]`,
		"wrong type":    `[{"treePath":"a","filesize":"big","timestamp":1}]`,
		"empty":         ``,
	}
	for name, in := range cases {
		if _, err := DecodeFiles(in); !errors.Is(err, errs.ErrInvalidRequest) {
			t.Fatalf("%s: want ErrInvalidRequest, got %v", name, err)
		}
	}
}

func TestDecodePaths(t *testing.T) {
	t.Parallel()
	paths, err := DecodePaths(`["a/b","c"]`)
	require.NoError(t, err)
	require.Equal(t, []string{"a/b", "c"}, paths)

	_, err = DecodePaths(`["a/./b"]`)
	require.ErrorIs(t, err, errs.ErrInvalidRequest)
	_, err = DecodePaths(`"a"`)
	require.ErrorIs(t, err, errs.ErrInvalidRequest)

	s, err := EncodePaths(nil)
	require.NoError(t, err)
	require.Equal(t, "[]", s)
}

func TestParseReply(t *testing.T) {
	t.Parallel()
	body, err := ParseReply(OK("GROUP LEFT") + "\n")
	require.NoError(t, err)
	require.Equal(t, "GROUP LEFT", body)

	_, err = ParseReply(Error("WRONG TOKEN"))
	var re *ReplyError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "WRONG TOKEN", re.Reason)

	_, err = ParseReply("garbage")
	require.ErrorAs(t, err, &re)
}
