//go:build !unix

package library

// Advisory locking is only implemented for unix platforms.
type fileLock struct{}

func acquireLock(string) (*fileLock, error) { return &fileLock{}, nil }

func (*fileLock) release() error { return nil }
