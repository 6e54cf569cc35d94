package artifacts

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/hochfrequenz/crewwatch/internal/domain"
	"github.com/hochfrequenz/crewwatch/internal/topology"
)

// MaxPreview caps how much of a file Read returns
const MaxPreview = 1 << 20

var (
	// ErrUnknownStage is returned for a stage id the topology does not define
	ErrUnknownStage = errors.New("unknown stage")
	// ErrNotFound is returned when a stage has no file with the given name
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidName is returned for names that are not a plain file name
	ErrInvalidName = errors.New("invalid artifact name")
)

// Kind groups artifacts by how they are previewed
type Kind string

const (
	KindMarkdown Kind = "markdown"
	KindHTML     Kind = "html"
	KindOther    Kind = "other"
)

// File is one artifact in a stage's output folder
type File struct {
	Stage   domain.StageID `json:"stage"`
	Name    string         `json:"name"`
	Title   string         `json:"title"`
	Kind    Kind           `json:"kind"`
	Size    int64          `json:"size"`
	ModTime time.Time      `json:"mod_time"`
}

// StageFiles is the listing of one stage
type StageFiles struct {
	ID    domain.StageID `json:"id"`
	Name  string         `json:"name"`
	Path  string         `json:"path,omitempty"`
	Files []File         `json:"files"`
}

// Lister reads stage output folders below the pipeline directory
type Lister struct {
	dir  string
	topo *topology.Topology
}

// NewLister creates a lister rooted at dir. An empty dir means the
// working directory.
func NewLister(dir string, topo *topology.Topology) *Lister {
	if dir == "" {
		dir = "."
	}
	return &Lister{dir: dir, topo: topo}
}

// Stage lists the files of one stage. Stages without an output path and
// folders that do not exist yet yield an empty listing.
func (l *Lister) Stage(id domain.StageID) (StageFiles, error) {
	st, ok := l.topo.Stage(id)
	if !ok {
		return StageFiles{}, fmt.Errorf("%w: %s", ErrUnknownStage, id)
	}
	out := StageFiles{ID: st.ID, Name: st.Name, Path: st.OutputPath, Files: []File{}}
	if st.OutputPath == "" {
		return out, nil
	}

	entries, err := os.ReadDir(filepath.Join(l.dir, st.OutputPath))
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("listing %s: %w", st.OutputPath, err)
	}

	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		out.Files = append(out.Files, File{
			Stage:   st.ID,
			Name:    e.Name(),
			Title:   Title(e.Name()),
			Kind:    kindOf(e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sortFiles(out.Files)
	return out, nil
}

// All lists every stage in pipeline order
func (l *Lister) All() ([]StageFiles, error) {
	ids := l.topo.StageIDs()
	out := make([]StageFiles, 0, len(ids))
	for _, id := range ids {
		sf, err := l.Stage(id)
		if err != nil {
			return nil, err
		}
		out = append(out, sf)
	}
	return out, nil
}

// Read returns the file's metadata and up to MaxPreview bytes of content
func (l *Lister) Read(id domain.StageID, name string) (File, []byte, error) {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return File{}, nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	st, ok := l.topo.Stage(id)
	if !ok {
		return File{}, nil, fmt.Errorf("%w: %s", ErrUnknownStage, id)
	}
	if st.OutputPath == "" {
		return File{}, nil, fmt.Errorf("%w: %s/%s", ErrNotFound, id, name)
	}

	f, err := os.Open(filepath.Join(l.dir, st.OutputPath, name))
	if errors.Is(err, os.ErrNotExist) {
		return File{}, nil, fmt.Errorf("%w: %s/%s", ErrNotFound, id, name)
	}
	if err != nil {
		return File{}, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return File{}, nil, err
	}
	if info.IsDir() {
		return File{}, nil, fmt.Errorf("%w: %s/%s", ErrNotFound, id, name)
	}
	data, err := io.ReadAll(io.LimitReader(f, MaxPreview))
	if err != nil {
		return File{}, nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return File{
		Stage:   st.ID,
		Name:    name,
		Title:   Title(name),
		Kind:    kindOf(name),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, data, nil
}

// Title turns a file name into a display name: "hero-banner.html" becomes
// "Hero Banner".
func Title(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	words := strings.FieldsFunc(base, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func kindOf(name string) Kind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return KindMarkdown
	case ".html", ".htm":
		return KindHTML
	default:
		return KindOther
	}
}

var kindOrder = map[Kind]int{KindMarkdown: 0, KindHTML: 1, KindOther: 2}

// markdown reports first, then components, then the rest
func sortFiles(files []File) {
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Kind != files[j].Kind {
			return kindOrder[files[i].Kind] < kindOrder[files[j].Kind]
		}
		return files[i].Name < files[j].Name
	})
}
