package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
)

type payload struct {
	ID     string `json:"id"`
	Amount uint64 `json:"amount"`
}

func TestSigned_Recover(t *testing.T) {
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	signed, err := crypto.NewSigned(priv, &payload{ID: "pay-1", Amount: 100})
	require.NoError(t, err)

	obj, signer, err := signed.Recover()
	require.NoError(t, err)
	require.True(t, signer.Equal(pub))
	require.Equal(t, "pay-1", obj.ID)
}

func TestSigned_TamperedObject(t *testing.T) {
	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	signed, err := crypto.NewSigned(priv, &payload{ID: "pay-1", Amount: 100})
	require.NoError(t, err)
	signed.Object.Amount = 1

	_, _, err = signed.Recover()
	require.Error(t, err)
}

func TestSigned_SwappedKey(t *testing.T) {
	otherPub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	// The signature covers the public key, so substituting the envelope
	// identity invalidates it.
	signed, err := crypto.NewSigned(priv, &payload{ID: "pay-1"})
	require.NoError(t, err)
	signed.PublicKey = otherPub

	_, _, err = signed.Recover()
	require.Error(t, err)
}

func TestBindingProof(t *testing.T) {
	enginePub, enginePriv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	owner, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	ciphertext := []byte("opaque blob")
	digest := crypto.BindingDigest(ciphertext, "coord-1", owner)
	sig, err := crypto.Sign(enginePriv, digest[:])
	require.NoError(t, err)

	proof := crypto.BindingProof{CoordinatorID: "coord-1", Owner: owner, Signature: sig}
	require.True(t, proof.Verify(enginePub, ciphertext))

	// Any component of the binding context changing breaks the proof.
	require.False(t, proof.Verify(enginePub, []byte("other blob")))
	wrongContext := proof
	wrongContext.CoordinatorID = "coord-2"
	require.False(t, wrongContext.Verify(enginePub, ciphertext))
}

func TestPublicKeyRoundTrip(t *testing.T) {
	pub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	parsed, err := crypto.NewPublicKeyFromString(pub.String())
	require.NoError(t, err)
	require.True(t, parsed.Equal(pub))
	require.False(t, parsed.IsZero())
	require.True(t, crypto.PublicKey{}.IsZero())
}
