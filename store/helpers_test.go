package store

import (
	"github.com/gurre/remexec/bufchan"
)

func newPairForTest() (*bufchan.Writer, *bufchan.Reader) {
	return bufchan.New()
}
