package filetransfer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/cyclone-net/cyclone/packet"
)

func TestReplyFileInfoRoundTrip(t *testing.T) {
	want := replyFileInfo{fileSize: 123456789, threadCounts: 4, name: "report.pdf"}

	p := packet.New()
	encodeReplyFileInfo(p, want)

	got, err := decodeReplyFileInfo(p.Content())
	require.NoError(t, err)

	if diff := cmp.Diff(want, got, cmp.AllowUnexported(replyFileInfo{})); diff != "" {
		t.Fatalf("ReplyFileInfo round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRequireFileFragmentRoundTrip(t *testing.T) {
	want := requireFileFragment{offset: 4096, size: 8192}

	p := packet.New()
	encodeRequireFileFragment(p, want)

	got, err := decodeRequireFileFragment(p.Content())
	require.NoError(t, err)

	if diff := cmp.Diff(want, got, cmp.AllowUnexported(requireFileFragment{})); diff != "" {
		t.Fatalf("RequireFileFragment round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFragmentBeginEndRoundTrip(t *testing.T) {
	wantBegin := fragmentBegin{offset: 1024, size: 256}
	p := packet.New()
	encodeFragmentBegin(p, wantBegin)
	gotBegin, err := decodeFragmentBegin(p.Content())
	require.NoError(t, err)
	if diff := cmp.Diff(wantBegin, gotBegin, cmp.AllowUnexported(fragmentBegin{})); diff != "" {
		t.Fatalf("ReplyFileFragment_Begin round trip mismatch (-want +got):\n%s", diff)
	}

	end := packet.New()
	encodeFragmentEnd(end, 0xDEADBEEF)
	crc, err := decodeFragmentEnd(end.Content())
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), crc)
}
