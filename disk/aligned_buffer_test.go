package disk

import (
	"testing"

	"github.com/ncw/directio"
	"github.com/stretchr/testify/require"
)

func TestIsAligned(t *testing.T) {

	require.True(t, isAligned(nil))
	require.True(t, isAligned(directio.AlignedBlock(testBlockSize)))

	if directio.AlignSize == 0 {
		t.Skip("no alignment required on this platform")
	}

	aligned := directio.AlignedBlock(2 * testBlockSize)

	require.Equal(t, uintptr(0), findOffset(aligned))
	require.False(t, isAligned(aligned[1:]))
	require.Equal(t, uintptr(1), findOffset(aligned[1:]))
	require.True(t, isAligned(aligned[directio.AlignSize:]))
}
