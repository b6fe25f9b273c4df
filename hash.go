package strtab

import "hash/maphash"

// primaryHash is the seedless content hash used by default and by the
// read-only overlay. It is the classic 31-polynomial over the raw bytes;
// cheap, stable across processes, and therefore also trivially floodable,
// which is exactly why the table carries an alternate hash mode.
func primaryHash(s string) uintptr {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h*31 + uint32(s[i])
	}
	return uintptr(h)
}

// altHash is the seeded flood-defense hash. maphash is the runtime's
// keyed string hash, so adversarially colliding inputs for primaryHash
// do not collide here once a fresh seed is drawn.
func altHash(seed maphash.Seed, s string) uintptr {
	return uintptr(maphash.String(seed, s))
}
