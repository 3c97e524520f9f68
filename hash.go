//   Copyright 2020 DigitalOcean
//
//   Licensed under the Apache License, Version 2.0 (the "License");
//   you may not use this file except in compliance with the License.
//   You may obtain a copy of the License at
//
//       http://www.apache.org/licenses/LICENSE-2.0
//
//   Unless required by applicable law or agreed to in writing, software
//   distributed under the License is distributed on an "AS IS" BASIS,
//   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//   See the License for the specific language governing permissions and
//   limitations under the License.

package crush

// hashSeed is the fixed seed mixed into every draw. It has no meaning
// beyond decorrelating this mix from a plain rjenkins1 hash of the same
// inputs; it must never change, or every crushmap using this package
// would remap.
const hashSeed uint32 = 1315423911

// hashMix is Bob Jenkins' 96 bit mix, the same mixing step Ceph's
// rjenkins1 hash uses: three words are folded into each other with
// subtraction, shifts and xor until a small change in any input word
// flips roughly half the output bits. It returns the three mixed
// accumulator words.
func hashMix(a, b, c uint32) (uint32, uint32, uint32) {
	a -= b
	a -= c
	a ^= c >> 13
	b -= c
	b -= a
	b ^= a << 8
	c -= a
	c -= b
	c ^= b >> 13
	a -= b
	a -= c
	a ^= c >> 12
	b -= c
	b -= a
	b ^= a << 16
	c -= a
	c -= b
	c ^= b >> 5
	a -= b
	a -= c
	a ^= c >> 3
	b -= c
	b -= a
	b ^= a << 10
	c -= a
	c -= b
	c ^= b >> 15
	return a, b, c
}

// hash3 mixes three words into one 32 bit hash.
func hash3(a, b, c uint32) uint32 {
	hash := hashSeed ^ a ^ b ^ c
	x, y, z := a, b, c
	x, y, z = hashMix(x, y, z)
	x, y, hash = hashMix(x, y, hash)
	return hash
}

// hash4 mixes four words into one 32 bit hash.
func hash4(a, b, c, d uint32) uint32 {
	hash := hashSeed ^ a ^ b ^ c ^ d
	x, y, z := a, b, c
	x, y, z = hashMix(x, y, z)
	x += d
	x, y, z = hashMix(x, y, z)
	x, y, hash = hashMix(x, y, hash)
	return hash
}

// Hash is the stable 32 bit mixing function used throughout the engine.
// It combines an input value, a child id, a replica position and a retry
// attempt counter into one hash; the same tuple always produces the same
// hash, on any host, in any process, forever. Bucket selection for
// uniform and list algorithms calls this directly; straw2 calls HashDraw
// instead, which folds in the "draw" tag described in spec ­4.1.
func Hash(value int64, id int32, replica int, attempt int) uint32 {
	return hash4(uint32(value), uint32(id), uint32(replica), uint32(attempt))
}

// HashDraw is the 32 bit hash used by straw2 to compute one child's straw
// length: it mixes the input value, the child id and the retry attempt,
// tagged so it never collides with Hash's replica-indexed draws for the
// same (value, id, attempt) triple.
func HashDraw(value int64, id int32, attempt int) uint32 {
	const drawTag uint32 = 0x64726177 // "draw"
	return hash3(uint32(value), uint32(id), uint32(attempt)^drawTag)
}
