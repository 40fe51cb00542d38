package authz

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanManageChapterRole(t *testing.T) {
	require.True(t, CanManageChapterRole("treasurer"))
	require.True(t, CanManageChapterRole("Admin"))
	require.True(t, CanManageChapterRole(" president "))
	require.False(t, CanManageChapterRole("member"))
	require.False(t, CanManageChapterRole(""))
	require.False(t, CanManageChapterRole("social-chair"))
}
