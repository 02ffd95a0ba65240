package storage

import (
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absfs/docsafe/errs"
)

func TestCleanRelative(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "a/b.txt", want: "a/b.txt"},
		{in: "/a/b.txt", want: "a/b.txt"},
		{in: "./a//b.txt", want: "a/b.txt"},
		{in: "folder/", want: "folder/"},
		{in: "./", want: ""},
		{in: "", want: ""},
		{in: "a/../b", wantErr: true},
		{in: "../other-user", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CleanRelative(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errs.IsValidationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAbsoluteLocationResolve(t *testing.T) {
	root, err := ParseAbsoluteLocation("s3://bucket/deeper/and/deeper")
	require.NoError(t, err)

	loc, err := root.Resolve("users/john/private/files/a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/deeper/and/deeper/users/john/private/files/a/b.txt", loc.String())
	assert.True(t, root.Contains(loc))

	rel, err := root.Rel(loc)
	require.NoError(t, err)
	assert.Equal(t, "users/john/private/files/a/b.txt", rel)

	_, err = root.Resolve("../escape")
	assert.True(t, errs.IsValidationError(err))

	_, err = ParseAbsoluteLocation("s3://bucket/deeper/../escape")
	assert.True(t, errs.IsValidationError(err))
}

func TestAbsoluteLocationContainsIsPrefixSafe(t *testing.T) {
	john, _ := ParseAbsoluteLocation("file:///data/users/john/")
	johnny, _ := ParseAbsoluteLocation("file:///data/users/johnny/private/x")
	johnFile, _ := ParseAbsoluteLocation("file:///data/users/john/private/x")

	assert.False(t, john.Contains(johnny))
	assert.True(t, john.Contains(johnFile))
	assert.True(t, john.Contains(john))
}

func TestNewAbsoluteLocationRejectsRelative(t *testing.T) {
	u, err := RelativeUri("a/b")
	require.NoError(t, err)
	_, err = NewAbsoluteLocation(u)
	assert.True(t, errs.IsValidationError(err))
}

func TestOnceSequence(t *testing.T) {
	var seq iter.Seq2[int, error] = func(yield func(int, error) bool) {
		for i := range 3 {
			if !yield(i, nil) {
				return
			}
		}
	}
	once := Once(seq)

	got, err := Collect(once)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, got)

	_, err = Collect(once)
	assert.True(t, errors.Is(err, ErrSequenceConsumed))
}
