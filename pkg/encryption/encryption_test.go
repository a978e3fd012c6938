package encryption

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20"
	"pgregory.net/rapid"

	"github.com/i5heu/ouroboros-cctv/pkg/keys"
	"github.com/i5heu/ouroboros-cctv/pkg/record"
)

func testKeys(t require.TestingT) keys.KeyPair {
	kp, err := keys.Generate(nil)
	require.NoError(t, err)
	return kp
}

func TestAEADRoundTrip_Property(t *testing.T) {
	kp := testKeys(t)
	rapid.Check(t, func(t *rapid.T) {
		plaintext := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "plaintext")

		blob, err := EncryptAEAD(plaintext, kp.Strong[:])
		require.NoError(t, err)
		require.Len(t, blob, AEADOverhead+len(plaintext))

		got, err := DecryptAEAD(blob, kp.Strong[:])
		require.NoError(t, err)
		require.True(t, bytes.Equal(plaintext, got))
	})
}

func TestStreamRoundTrip_Property(t *testing.T) {
	kp := testKeys(t)
	rapid.Check(t, func(t *rapid.T) {
		plaintext := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "plaintext")

		blob, err := EncryptStream(plaintext, kp.Stream[:])
		require.NoError(t, err)
		require.Len(t, blob, StreamNonceSize+len(plaintext))

		got, err := DecryptStream(blob, kp.Stream[:])
		require.NoError(t, err)
		require.True(t, bytes.Equal(plaintext, got))
	})
}

func TestAEADBitFlipIsDetected_Property(t *testing.T) {
	kp := testKeys(t)
	rapid.Check(t, func(t *rapid.T) {
		plaintext := rapid.SliceOfN(rapid.Byte(), 1, 512).Draw(t, "plaintext")
		blob, err := EncryptAEAD(plaintext, kp.Strong[:])
		require.NoError(t, err)

		// Flip a bit anywhere in tag or ciphertext.
		pos := rapid.IntRange(AEADNonceSize, len(blob)-1).Draw(t, "pos")
		bit := rapid.IntRange(0, 7).Draw(t, "bit")
		blob[pos] ^= 1 << bit

		_, err = DecryptAEAD(blob, kp.Strong[:])
		require.ErrorIs(t, err, ErrAuthentication)
	})
}

func TestStreamBitFlipIsNotDetected_Property(t *testing.T) {
	kp := testKeys(t)
	rapid.Check(t, func(t *rapid.T) {
		plaintext := rapid.SliceOfN(rapid.Byte(), 1, 512).Draw(t, "plaintext")
		blob, err := EncryptStream(plaintext, kp.Stream[:])
		require.NoError(t, err)

		pos := rapid.IntRange(StreamNonceSize, len(blob)-1).Draw(t, "pos")
		bit := rapid.IntRange(0, 7).Draw(t, "bit")
		blob[pos] ^= 1 << bit

		got, err := DecryptStream(blob, kp.Stream[:])
		require.NoError(t, err, "the stream cipher has no integrity check")
		require.False(t, bytes.Equal(plaintext, got))
		// Exactly the flipped bit differs.
		i := pos - StreamNonceSize
		require.Equal(t, plaintext[i]^(1<<bit), got[i])
	})
}

func TestAEADWrongKey(t *testing.T) {
	a, b := testKeys(t), testKeys(t)
	blob, err := EncryptAEAD([]byte("frame"), a.Strong[:])
	require.NoError(t, err)
	_, err = DecryptAEAD(blob, b.Strong[:])
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestAEADShortBlob(t *testing.T) {
	kp := testKeys(t)
	_, err := DecryptAEAD(make([]byte, AEADOverhead-1), kp.Strong[:])
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestStreamShortBlob(t *testing.T) {
	kp := testKeys(t)
	_, err := DecryptStream(make([]byte, StreamNonceSize-1), kp.Stream[:])
	assert.ErrorIs(t, err, ErrShortBlob)

	got, err := DecryptStream(make([]byte, StreamNonceSize), kp.Stream[:])
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInvalidKeySize(t *testing.T) {
	_, err := EncryptAEAD([]byte("x"), make([]byte, 16))
	assert.ErrorIs(t, err, ErrKeySize)
	_, err = EncryptStream([]byte("x"), make([]byte, 31))
	assert.ErrorIs(t, err, ErrKeySize)
}

func TestNoncesAreFresh(t *testing.T) {
	kp := testKeys(t)
	plaintext := []byte("identical frame")
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		a, err := EncryptAEAD(plaintext, kp.Strong[:])
		require.NoError(t, err)
		s, err := EncryptStream(plaintext, kp.Stream[:])
		require.NoError(t, err)

		for _, nonce := range []string{string(a[:AEADNonceSize]), string(s[:StreamNonceSize])} {
			require.False(t, seen[nonce], "nonce reused")
			seen[nonce] = true
		}
	}
}

func TestStreamNonceLayout(t *testing.T) {
	// The first four nonce bytes are the initial block counter, the rest is
	// the 96-bit ChaCha20 nonce.
	kp := testKeys(t)
	plaintext := bytes.Repeat([]byte{0x5A}, 300)
	blob, err := EncryptStream(plaintext, kp.Stream[:])
	require.NoError(t, err)

	c, err := chacha20.NewUnauthenticatedCipher(kp.Stream[:], blob[4:StreamNonceSize])
	require.NoError(t, err)
	c.SetCounter(binary.LittleEndian.Uint32(blob[:4]))
	want := make([]byte, len(plaintext))
	c.XORKeyStream(want, blob[StreamNonceSize:])
	assert.Equal(t, plaintext, want)
}

func TestStreamCounterWrapCarriesIntoNonce(t *testing.T) {
	kp := testKeys(t)
	iv := make([]byte, StreamNonceSize)
	binary.LittleEndian.PutUint32(iv[:4], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(iv[4:8], 7)

	src := bytes.Repeat([]byte{0xC3}, 3*chachaBlockSize)
	dst := make([]byte, len(src))
	require.NoError(t, xorChaCha20(kp.Stream[:], iv, dst, src))

	// Last block under the original nonce.
	first, err := chacha20.NewUnauthenticatedCipher(kp.Stream[:], iv[4:])
	require.NoError(t, err)
	first.SetCounter(0xFFFFFFFF)
	want := make([]byte, len(src))
	first.XORKeyStream(want[:chachaBlockSize], src[:chachaBlockSize])

	// Then counter 0 with the first nonce word incremented.
	carried := append([]byte(nil), iv[4:]...)
	binary.LittleEndian.PutUint32(carried[:4], 8)
	second, err := chacha20.NewUnauthenticatedCipher(kp.Stream[:], carried)
	require.NoError(t, err)
	second.XORKeyStream(want[chachaBlockSize:], src[chachaBlockSize:])

	assert.Equal(t, want, dst)

	back := make([]byte, len(dst))
	require.NoError(t, xorChaCha20(kp.Stream[:], iv, back, dst))
	assert.Equal(t, src, back)
}

func TestPolicySelect(t *testing.T) {
	p := DefaultPolicy()
	var strong []uint64
	for n := uint64(1); n <= 200; n++ {
		if p.Select(n) == record.StrongAEAD {
			strong = append(strong, n)
		} else {
			require.Equal(t, record.Stream, p.Select(n))
		}
	}
	assert.Equal(t, []uint64{60, 120, 180}, strong)
	assert.Equal(t, record.Stream, p.Select(0))
}

func TestEngineSealOpen(t *testing.T) {
	e := NewEngine(testKeys(t), Policy{})
	assert.Equal(t, uint64(DefaultInterval), e.Policy().Interval)

	for _, n := range []uint64{59, 60} {
		tag, blob, err := e.SealFrame(n, []byte("jpeg bytes"))
		require.NoError(t, err)
		assert.Equal(t, e.Policy().Select(n), tag)

		got, err := e.OpenFrame(tag, blob)
		require.NoError(t, err)
		assert.Equal(t, []byte("jpeg bytes"), got)
	}

	_, err := e.OpenFrame(record.CipherTag(9), []byte("whatever"))
	var unknown *record.UnknownTagError
	assert.True(t, errors.As(err, &unknown))
}

func TestEngineStrongFrameUnderOtherKeyFails(t *testing.T) {
	sealer := NewEngine(testKeys(t), DefaultPolicy())
	opener := NewEngine(testKeys(t), DefaultPolicy())

	tag, blob, err := sealer.SealFrame(60, []byte("key frame"))
	require.NoError(t, err)
	require.Equal(t, record.StrongAEAD, tag)

	_, err = opener.OpenFrame(tag, blob)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func BenchmarkEncryptStream_64KB(b *testing.B) {
	kp := testKeys(b)
	frame := make([]byte, 64*1024)
	b.SetBytes(int64(len(frame)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = EncryptStream(frame, kp.Stream[:])
	}
}

func BenchmarkEncryptAEAD_64KB(b *testing.B) {
	kp := testKeys(b)
	frame := make([]byte, 64*1024)
	b.SetBytes(int64(len(frame)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = EncryptAEAD(frame, kp.Strong[:])
	}
}
