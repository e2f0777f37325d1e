package core

// Salsa20/12 keystream generator. golang.org/x/crypto/salsa20 only exposes
// the full 20-round variant, and the legacy cipher suite is specified as the
// 12-round one, so the core function is implemented here. The construction
// is the standard Salsa20 block function with ROUNDS=12.

import "encoding/binary"

type salsa2012Stream struct {
	state   [16]uint32
	block   [64]byte
	avail   int // unused bytes remaining at the tail of block
}

var sigma = [4]uint32{0x61707865, 0x3320646e, 0x79622d32, 0x6b206574}

func newSalsa2012Stream(key *[32]byte, nonce *[8]byte) *salsa2012Stream {
	s := new(salsa2012Stream)
	s.state[0] = sigma[0]
	s.state[5] = sigma[1]
	s.state[10] = sigma[2]
	s.state[15] = sigma[3]
	for i := 0; i < 4; i++ {
		s.state[1+i] = binary.LittleEndian.Uint32(key[4*i:])
		s.state[11+i] = binary.LittleEndian.Uint32(key[16+4*i:])
	}
	s.state[6] = binary.LittleEndian.Uint32(nonce[0:])
	s.state[7] = binary.LittleEndian.Uint32(nonce[4:])
	s.state[8] = 0 // block counter low
	s.state[9] = 0 // block counter high
	return s
}

func (s *salsa2012Stream) nextBlock() {
	x := s.state
	for round := 0; round < 12; round += 2 {
		// column round
		x[4] ^= rotl(x[0]+x[12], 7)
		x[8] ^= rotl(x[4]+x[0], 9)
		x[12] ^= rotl(x[8]+x[4], 13)
		x[0] ^= rotl(x[12]+x[8], 18)
		x[9] ^= rotl(x[5]+x[1], 7)
		x[13] ^= rotl(x[9]+x[5], 9)
		x[1] ^= rotl(x[13]+x[9], 13)
		x[5] ^= rotl(x[1]+x[13], 18)
		x[14] ^= rotl(x[10]+x[6], 7)
		x[2] ^= rotl(x[14]+x[10], 9)
		x[6] ^= rotl(x[2]+x[14], 13)
		x[10] ^= rotl(x[6]+x[2], 18)
		x[3] ^= rotl(x[15]+x[11], 7)
		x[7] ^= rotl(x[3]+x[15], 9)
		x[11] ^= rotl(x[7]+x[3], 13)
		x[15] ^= rotl(x[11]+x[7], 18)
		// row round
		x[1] ^= rotl(x[0]+x[3], 7)
		x[2] ^= rotl(x[1]+x[0], 9)
		x[3] ^= rotl(x[2]+x[1], 13)
		x[0] ^= rotl(x[3]+x[2], 18)
		x[6] ^= rotl(x[5]+x[4], 7)
		x[7] ^= rotl(x[6]+x[5], 9)
		x[4] ^= rotl(x[7]+x[6], 13)
		x[5] ^= rotl(x[4]+x[7], 18)
		x[11] ^= rotl(x[10]+x[9], 7)
		x[8] ^= rotl(x[11]+x[10], 9)
		x[9] ^= rotl(x[8]+x[11], 13)
		x[10] ^= rotl(x[9]+x[8], 18)
		x[12] ^= rotl(x[15]+x[14], 7)
		x[13] ^= rotl(x[12]+x[15], 9)
		x[14] ^= rotl(x[13]+x[12], 13)
		x[15] ^= rotl(x[14]+x[13], 18)
	}
	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint32(s.block[4*i:], x[i]+s.state[i])
	}
	s.state[8]++
	if s.state[8] == 0 {
		s.state[9]++
	}
	s.avail = 64
}

func rotl(v uint32, n uint) uint32 {
	return (v << n) | (v >> (32 - n))
}

// XORKeyStream XORs src with the keystream into dst, continuing from where
// the previous call left off. dst and src may overlap exactly.
func (s *salsa2012Stream) XORKeyStream(dst, src []byte) {
	for len(src) > 0 {
		if s.avail == 0 {
			s.nextBlock()
		}
		ks := s.block[64-s.avail:]
		n := len(src)
		if n > len(ks) {
			n = len(ks)
		}
		for i := 0; i < n; i++ {
			dst[i] = src[i] ^ ks[i]
		}
		s.avail -= n
		dst = dst[n:]
		src = src[n:]
	}
}
