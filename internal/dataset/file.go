package dataset

import (
	"io"
	"os"
	"path/filepath"

	"signalhub-go/internal/types"
)

// AudioFile describes the entry as a pipeline input. The file is opened on
// the first Read and closed at EOF, on the first error or on Close, so a
// large batch does not hold every descriptor at once.
func (e Entry) AudioFile() types.AudioFile {
	return types.AudioFile{
		Filename: filepath.Base(e.Path),
		Size:     e.Size,
		Body:     &lazyFile{path: e.Path},
		Language: e.Language,
	}
}

// AudioFiles converts every entry of m.
func (m Manifest) AudioFiles() []types.AudioFile {
	out := make([]types.AudioFile, 0, len(m.Entries))
	for _, e := range m.Entries {
		out = append(out, e.AudioFile())
	}
	return out
}

type lazyFile struct {
	path string
	f    *os.File
	done bool
}

func (l *lazyFile) Read(p []byte) (int, error) {
	if l.done {
		return 0, io.EOF
	}
	if l.f == nil {
		f, err := os.Open(l.path)
		if err != nil {
			l.done = true
			return 0, err
		}
		l.f = f
	}
	n, err := l.f.Read(p)
	if err != nil {
		l.f.Close()
		l.f = nil
		l.done = true
	}
	return n, err
}

// Close releases the descriptor if it is open. Later reads return EOF.
func (l *lazyFile) Close() error {
	l.done = true
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
