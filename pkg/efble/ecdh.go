package efble

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// The key exchange runs on SECP160r1, which crypto/elliptic does not ship.
// Affine double-and-add over math/big is plenty for one exchange per
// connection.
var (
	secp160r1P  = mustHexInt("ffffffffffffffffffffffffffffffff7fffffff")
	secp160r1A  = mustHexInt("ffffffffffffffffffffffffffffffff7ffffffc")
	secp160r1B  = mustHexInt("1c97befc54bd7a8b65acf89f81d4d4adc565fa45")
	secp160r1Gx = mustHexInt("4a96b5688ef573284664698968c38bb913cbfc82")
	secp160r1Gy = mustHexInt("23a628553168947d59dcc912042351377ac5fb32")
	secp160r1N  = mustHexInt("0100000000000000000001f4c8f927aed3ca752257")
)

// ecdhCoordSize is the byte length of one SECP160r1 coordinate; public keys
// travel as X||Y.
const (
	ecdhCoordSize  = 20
	ecdhPublicSize = 2 * ecdhCoordSize
)

func mustHexInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("efble: bad curve constant " + s)
	}
	return n
}

type ecdhPoint struct {
	x, y *big.Int
}

func (p ecdhPoint) isZero() bool {
	return p.x == nil
}

// ecdhKeyPair holds one side of the curve exchange.
type ecdhKeyPair struct {
	d   *big.Int
	pub ecdhPoint
}

// generateECDHKeyPair draws a scalar from rng (crypto/rand when nil) and
// computes the matching public point.
func generateECDHKeyPair(rng io.Reader) (*ecdhKeyPair, error) {
	if rng == nil {
		rng = rand.Reader
	}
	for {
		d, err := rand.Int(rng, secp160r1N)
		if err != nil {
			return nil, fmt.Errorf("generate ecdh scalar: %w", err)
		}
		if d.Sign() == 0 {
			continue
		}
		pub := scalarMult(ecdhPoint{x: secp160r1Gx, y: secp160r1Gy}, d)
		return &ecdhKeyPair{d: d, pub: pub}, nil
	}
}

// PublicBytes returns the public key as X||Y, each coordinate left-padded to
// the coordinate size.
func (k *ecdhKeyPair) PublicBytes() []byte {
	out := make([]byte, ecdhPublicSize)
	k.pub.x.FillBytes(out[:ecdhCoordSize])
	k.pub.y.FillBytes(out[ecdhCoordSize:])
	return out
}

// SharedSecret computes the x-coordinate of d*Q for the peer public key
// X||Y, padded to the coordinate size. Both sides arrive at the same bytes.
func (k *ecdhKeyPair) SharedSecret(peer []byte) ([]byte, error) {
	if len(peer) != ecdhPublicSize {
		return nil, fmt.Errorf("peer public key must be %d bytes, got %d", ecdhPublicSize, len(peer))
	}
	q := ecdhPoint{
		x: new(big.Int).SetBytes(peer[:ecdhCoordSize]),
		y: new(big.Int).SetBytes(peer[ecdhCoordSize:]),
	}
	if !onCurve(q) {
		return nil, fmt.Errorf("peer public key not on curve")
	}
	s := scalarMult(q, k.d)
	if s.isZero() {
		return nil, fmt.Errorf("degenerate shared point")
	}
	out := make([]byte, ecdhCoordSize)
	s.x.FillBytes(out)
	return out, nil
}

// destroy clears the private scalar.
func (k *ecdhKeyPair) destroy() {
	if k.d != nil {
		k.d.SetInt64(0)
		k.d = nil
	}
}

func onCurve(p ecdhPoint) bool {
	if p.isZero() {
		return false
	}
	if p.x.Sign() < 0 || p.x.Cmp(secp160r1P) >= 0 || p.y.Sign() < 0 || p.y.Cmp(secp160r1P) >= 0 {
		return false
	}
	// y^2 == x^3 + ax + b (mod p)
	lhs := new(big.Int).Mul(p.y, p.y)
	lhs.Mod(lhs, secp160r1P)

	rhs := new(big.Int).Mul(p.x, p.x)
	rhs.Mul(rhs, p.x)
	ax := new(big.Int).Mul(secp160r1A, p.x)
	rhs.Add(rhs, ax)
	rhs.Add(rhs, secp160r1B)
	rhs.Mod(rhs, secp160r1P)

	return lhs.Cmp(rhs) == 0
}

func pointAdd(p, q ecdhPoint) ecdhPoint {
	if p.isZero() {
		return q
	}
	if q.isZero() {
		return p
	}
	if p.x.Cmp(q.x) == 0 {
		if p.y.Cmp(q.y) != 0 || p.y.Sign() == 0 {
			return ecdhPoint{} // P + (-P) = O
		}
		return pointDouble(p)
	}

	// lambda = (qy - py) / (qx - px)
	num := new(big.Int).Sub(q.y, p.y)
	den := new(big.Int).Sub(q.x, p.x)
	den.ModInverse(den, secp160r1P)
	lambda := num.Mul(num, den)
	lambda.Mod(lambda, secp160r1P)

	return completeAdd(p, q, lambda)
}

func pointDouble(p ecdhPoint) ecdhPoint {
	if p.isZero() || p.y.Sign() == 0 {
		return ecdhPoint{}
	}

	// lambda = (3x^2 + a) / 2y
	num := new(big.Int).Mul(p.x, p.x)
	num.Mul(num, big.NewInt(3))
	num.Add(num, secp160r1A)
	den := new(big.Int).Lsh(p.y, 1)
	den.ModInverse(den, secp160r1P)
	lambda := num.Mul(num, den)
	lambda.Mod(lambda, secp160r1P)

	return completeAdd(p, p, lambda)
}

func completeAdd(p, q ecdhPoint, lambda *big.Int) ecdhPoint {
	x := new(big.Int).Mul(lambda, lambda)
	x.Sub(x, p.x)
	x.Sub(x, q.x)
	x.Mod(x, secp160r1P)

	y := new(big.Int).Sub(p.x, x)
	y.Mul(y, lambda)
	y.Sub(y, p.y)
	y.Mod(y, secp160r1P)

	return ecdhPoint{x: x, y: y}
}

func scalarMult(p ecdhPoint, d *big.Int) ecdhPoint {
	result := ecdhPoint{}
	addend := p
	for i := 0; i < d.BitLen(); i++ {
		if d.Bit(i) == 1 {
			result = pointAdd(result, addend)
		}
		addend = pointDouble(addend)
	}
	return result
}

// ecdhPublicKeySize maps the curve id byte in the device's key-exchange
// response to the public key length that follows it.
func ecdhPublicKeySize(curveID byte) int {
	switch curveID {
	case 1:
		return 52
	case 2:
		return 56
	case 3, 4:
		return 64
	default:
		return 40
	}
}
