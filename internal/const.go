// Constants
package internal

const MIN_CHUNK		= 0x10 // smallest slot a shared page is carved into
const ALLOC_JUNK	= byte(0xd0)
const SCRUB_BYTE	= byte(0x00)
const MAX_CACHE		= 0x40 // fully-free pages the pool holds before releasing to the OS
