package lms

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/klassbridge/rostersync/internal/syncerr"
)

// DryRunCategoryID is returned by Resolve when a category would have to be
// created but the resolver runs in dry-run mode.
const DryRunCategoryID int64 = -1

// PathResolver turns slash paths like "/Classes/Grade 10" into category ids,
// creating missing nodes on the way down. The whole tree is cached up front;
// concurrent creations of the same node are collapsed through singleflight,
// and a uniqueness conflict from a racing writer is resolved by re-querying.
type PathResolver struct {
	store  CategoryStore
	rootID int64
	dryRun bool
	log    *zap.Logger

	mu      sync.Mutex
	byKey   map[string]int64 // "parentID/name" -> id
	dry     map[string]bool  // full paths simulated in dry-run mode
	found   int
	created int
	nodes   []string // paths created this run, in creation order

	flight singleflight.Group
}

func NewPathResolver(ctx context.Context, store CategoryStore, rootID int64, dryRun bool, log *zap.Logger) (*PathResolver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cats, err := store.Categories(ctx)
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	byKey := make(map[string]int64, len(cats))
	for _, c := range cats {
		byKey[childKey(c.ParentID, c.Name)] = c.ID
	}
	return &PathResolver{
		store:  store,
		rootID: rootID,
		dryRun: dryRun,
		log:    log,
		byKey:  byKey,
		dry:    map[string]bool{},
	}, nil
}

// Resolve walks path segment by segment under the configured root and
// returns the id of the final node. In dry-run mode missing nodes are
// simulated instead of created: each distinct missing path is counted once
// in Stats and the walk continues, returning DryRunCategoryID when the
// final node does not exist yet. An empty path resolves to the root itself.
func (r *PathResolver) Resolve(ctx context.Context, path string) (int64, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return r.rootID, nil
	}
	parent := r.rootID
	for i, seg := range segs {
		id, err := r.resolveChild(ctx, parent, seg, "/"+strings.Join(segs[:i+1], "/"))
		if err != nil {
			return 0, err
		}
		parent = id
	}
	return parent, nil
}

func (r *PathResolver) resolveChild(ctx context.Context, parentID int64, name, fullPath string) (int64, error) {
	if parentID == DryRunCategoryID {
		// parent itself is simulated, so the child cannot exist yet
		return r.dryCreate(fullPath), nil
	}
	key := childKey(parentID, name)

	r.mu.Lock()
	if id, ok := r.byKey[key]; ok {
		r.found++
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	if cat, ok, err := r.store.CategoryByNameParent(ctx, name, parentID); err != nil {
		return 0, err
	} else if ok {
		r.remember(key, cat.ID, "")
		return cat.ID, nil
	}

	if r.dryRun {
		return r.dryCreate(fullPath), nil
	}

	v, err, _ := r.flight.Do(key, func() (any, error) {
		r.mu.Lock()
		if id, ok := r.byKey[key]; ok {
			r.mu.Unlock()
			return id, nil
		}
		r.mu.Unlock()

		id, err := r.store.CreateCategory(ctx, name, parentID)
		if syncerr.IsKind(err, syncerr.KindConflict) {
			// Someone else won the insert race; theirs is the node we want.
			cat, ok, qerr := r.store.CategoryByNameParent(ctx, name, parentID)
			if qerr != nil {
				return int64(0), qerr
			}
			if !ok {
				return int64(0), err
			}
			r.remember(key, cat.ID, "")
			return cat.ID, nil
		}
		if err != nil {
			return int64(0), err
		}
		r.remember(key, id, fullPath)
		r.log.Info("category created", zap.String("path", fullPath), zap.Int64("id", id))
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// dryCreate records one would-be category creation. Keyed by the full path
// so siblings under a simulated parent stay distinct.
func (r *PathResolver) dryCreate(fullPath string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dry[fullPath] {
		r.dry[fullPath] = true
		r.created++
		r.nodes = append(r.nodes, fullPath)
	}
	return DryRunCategoryID
}

func (r *PathResolver) remember(key string, id int64, createdPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[key] = id
	if createdPath != "" {
		r.created++
		r.nodes = append(r.nodes, createdPath)
	} else {
		r.found++
	}
}

// Stats reports how many path segments resolved to existing nodes and how
// many nodes this resolver created.
func (r *PathResolver) Stats() (found, created int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.found, r.created
}

// CreatedNodes returns the paths of categories created by this resolver, in
// creation order.
func (r *PathResolver) CreatedNodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.nodes))
	copy(out, r.nodes)
	return out
}

func childKey(parentID int64, name string) string {
	return fmt.Sprintf("%d/%s", parentID, name)
}

func splitPath(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s = strings.TrimSpace(s); s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
