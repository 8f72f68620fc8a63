package svcmgr

import "os"

func openSpill(path string) (*os.File, error) {
	return os.Open(path)
}
