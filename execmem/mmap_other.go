//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package execmem

func platformBacking() backing {
	log.Notice("no executable mapping support on this platform, using heap regions")
	return heapBacking{}
}
