// lookahead/provider_scope.go
// Scope provider: identifiers visible at the caret, from go/packages type information.
package lookahead

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"hash/fnv"
	stdslog "log/slog"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/tools/go/ast/astutil"
	"golang.org/x/tools/go/packages"
)

// Priorities of the scope levels; inner scopes rank first.
const (
	priorityBlock     = 3.0
	prioritySignature = 2.0
	priorityPackage   = 1.0
	priorityImport    = 0.5
)

// ScopeProvider offers Go identifiers in scope at the caret. Analysis results
// are cached per document content outside the identifier being typed.
type ScopeProvider struct {
	cache  *MemoryCache
	ttl    time.Duration
	logger *stdslog.Logger
}

// NewScopeProvider returns a scope provider caching in mc (which may be nil).
func NewScopeProvider(mc *MemoryCache, ttl time.Duration, logger *stdslog.Logger) *ScopeProvider {
	if logger == nil {
		logger = stdslog.Default()
	}
	return &ScopeProvider{cache: mc, ttl: ttl, logger: logger.With("provider", ProviderScope)}
}

func (p *ScopeProvider) Name() string { return ProviderScope }

func (p *ScopeProvider) Produce(ctx context.Context, req *Request, sink Sink) error {
	absPath, err := ValidateAndGetFilePath(req.SurfaceID, p.logger)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(absPath, ".go") {
		return nil
	}
	if req.Offset < 0 || req.Offset > len(req.Text) {
		return fmt.Errorf("%w: offset %d outside document", ErrPositionOutOfRange, req.Offset)
	}
	identStart := identifierStart(req.Text, req.Offset)
	h := fnv.New32a()
	h.Write([]byte(req.Text[:identStart]))
	h.Write([]byte(req.Text[req.Offset:]))
	key := cacheKey(ProviderScope, absPath, int(h.Sum32()), identStart)

	logger := p.logger.With("file", absPath, "offset", req.Offset)
	items, hit, err := withMemoryCache(p.cache, key, int64(len(req.Text)), p.ttl, func() ([]*Candidate, error) {
		return p.analyze(ctx, absPath, []byte(req.Text), req.Offset, logger)
	}, logger)
	if err != nil {
		return err
	}
	logger.Debug("Scope candidates ready", "count", len(items), "cache_hit", hit)

	sink.Batch(func() {
		for _, c := range items {
			if ctx.Err() != nil || !sink.Emit(c) {
				return
			}
		}
	})
	return ctx.Err()
}

// analyze loads the package of absPath with content as overlay and collects
// the identifiers visible at offset.
func (p *ScopeProvider) analyze(ctx context.Context, absPath string, content []byte, offset int, logger *stdslog.Logger) ([]*Candidate, error) {
	fset := token.NewFileSet()
	pkg, file, tokFile, loadErrs := loadPackageAndFile(ctx, absPath, content, fset, logger)
	if pkg == nil || file == nil || tokFile == nil {
		return nil, fmt.Errorf("%w: %w", ErrAnalysisFailed, errors.Join(loadErrs...))
	}
	if offset > tokFile.Size() {
		offset = tokFile.Size()
	}
	cursor := tokFile.Pos(offset)
	path, _ := astutil.PathEnclosingInterval(file, cursor, cursor)

	collector := newScopeCollector(pkg, cursor)
	collector.gather(path, file)
	if len(loadErrs) > 0 {
		logger.Debug("Package loaded with errors", "errors", len(loadErrs))
	}
	return collector.candidates(), nil
}

// loadPackageAndFile loads the package containing absFilename, substituting
// content for the file on disk. Package errors are returned but not fatal.
func loadPackageAndFile(ctx context.Context, absFilename string, content []byte, fset *token.FileSet, logger *stdslog.Logger) (*packages.Package, *ast.File, *token.File, []error) {
	var loadErrors []error
	dir := filepath.Dir(absFilename)
	logger = logger.With("loadDir", dir)

	loadCfg := &packages.Config{
		Context: ctx,
		Dir:     dir,
		Fset:    fset,
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedCompiledGoFiles |
			packages.NeedImports | packages.NeedTypes | packages.NeedTypesSizes |
			packages.NeedSyntax | packages.NeedTypesInfo,
		Overlay: map[string][]byte{absFilename: content},
		Logf:    func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
	}
	logger.Debug("Calling packages.Load")
	pkgs, err := packages.Load(loadCfg, "file="+absFilename)
	if err != nil {
		return nil, nil, nil, append(loadErrors, fmt.Errorf("packages.Load failed critically: %w", err))
	}
	if len(pkgs) == 0 {
		return nil, nil, nil, append(loadErrors, errors.New("packages.Load returned no packages"))
	}

	for _, p := range pkgs {
		for i := range p.Errors {
			pkgErr := p.Errors[i]
			loadErrors = append(loadErrors, &pkgErr)
			logger.Debug("Package loading error encountered", "package", p.PkgPath, "error", pkgErr.Error())
		}
	}
	for _, p := range pkgs {
		for _, astFile := range p.Syntax {
			if astFile == nil {
				continue
			}
			filePos := fset.Position(astFile.Pos())
			if !filePos.IsValid() {
				continue
			}
			if astFilePath, _ := filepath.Abs(filePos.Filename); astFilePath == absFilename {
				return p, astFile, fset.File(astFile.Pos()), loadErrors
			}
		}
	}
	return nil, nil, nil, append(loadErrors, fmt.Errorf("target file %s not found in loaded packages syntax trees", absFilename))
}

// scopeCollector accumulates visible objects, innermost declaration first.
type scopeCollector struct {
	pkg       *packages.Package
	cursor    token.Pos
	qualifier types.Qualifier
	seen      map[string]bool
	out       []*Candidate
}

func newScopeCollector(pkg *packages.Package, cursor token.Pos) *scopeCollector {
	var q types.Qualifier
	if pkg.Types != nil {
		q = types.RelativeTo(pkg.Types)
	}
	return &scopeCollector{pkg: pkg, cursor: cursor, qualifier: q, seen: make(map[string]bool)}
}

// gather walks the enclosing path from the innermost node outwards.
func (sc *scopeCollector) gather(path []ast.Node, file *ast.File) {
	info := sc.pkg.TypesInfo
	for _, node := range path {
		switch n := node.(type) {
		case *ast.BlockStmt, *ast.IfStmt, *ast.ForStmt, *ast.RangeStmt, *ast.SwitchStmt,
			*ast.TypeSwitchStmt, *ast.CaseClause, *ast.CommClause:
			if info != nil {
				sc.addScope(info.Scopes[n], true, priorityBlock)
			}
		case *ast.FuncLit:
			// Function bodies share the scope of their signature.
			if info != nil {
				sc.addScope(info.Scopes[n.Type], true, priorityBlock)
			}
		case *ast.FuncDecl:
			if info == nil || n.Name == nil {
				continue
			}
			if fn, ok := info.Defs[n.Name].(*types.Func); ok {
				if sig, ok := fn.Type().(*types.Signature); ok {
					if recv := sig.Recv(); recv != nil && recv.Name() != "" {
						sc.add(recv, prioritySignature)
					}
					sc.addSignature(sig)
				}
			}
			// Parameters were added above; what remains are the body locals.
			sc.addScope(info.Scopes[n.Type], true, priorityBlock)
		}
	}
	if sc.pkg.Types != nil {
		sc.addScope(sc.pkg.Types.Scope(), false, priorityPackage)
	}
	if info != nil {
		sc.addScope(info.Scopes[file], false, priorityImport)
	}
}

func (sc *scopeCollector) addSignature(sig *types.Signature) {
	for _, tuple := range []*types.Tuple{sig.Params(), sig.Results()} {
		for i := 0; tuple != nil && i < tuple.Len(); i++ {
			if v := tuple.At(i); v != nil && v.Name() != "" && v.Name() != "_" {
				sc.add(v, prioritySignature)
			}
		}
	}
}

// addScope adds the objects of scope; beforeCursor drops local declarations after the caret.
func (sc *scopeCollector) addScope(scope *types.Scope, beforeCursor bool, priority float64) {
	if scope == nil {
		return
	}
	for _, name := range scope.Names() {
		obj := scope.Lookup(name)
		if obj == nil || name == "_" {
			continue
		}
		if beforeCursor && sc.cursor.IsValid() && obj.Pos().IsValid() && obj.Pos() >= sc.cursor {
			continue
		}
		sc.add(obj, priority)
	}
}

func (sc *scopeCollector) add(obj types.Object, priority float64) {
	name := obj.Name()
	if sc.seen[name] {
		return
	}
	kind, detail := describeObject(obj, sc.qualifier)
	if kind < 0 {
		return
	}
	sc.seen[name] = true
	sc.out = append(sc.out, &Candidate{
		Text:     name,
		Group:    ProviderScope,
		Source:   ProviderScope,
		Detail:   detail,
		Kind:     kind,
		Priority: priority,
	})
}

func (sc *scopeCollector) candidates() []*Candidate { return sc.out }

// describeObject maps a types.Object to an item kind and a detail string.
// A negative kind means the object is not offered.
func describeObject(obj types.Object, q types.Qualifier) (ItemKind, string) {
	switch o := obj.(type) {
	case *types.Var:
		if o.IsField() {
			return ItemField, types.TypeString(o.Type(), q)
		}
		return ItemVariable, types.TypeString(o.Type(), q)
	case *types.Const:
		return ItemConstant, types.TypeString(o.Type(), q)
	case *types.TypeName:
		return ItemType, types.TypeString(o.Type().Underlying(), q)
	case *types.Func:
		sig, _ := o.Type().(*types.Signature)
		if sig != nil && sig.Recv() != nil {
			return ItemMethod, types.TypeString(sig, q)
		}
		return ItemFunction, types.TypeString(o.Type(), q)
	case *types.PkgName:
		return ItemPackage, o.Imported().Path()
	case *types.Builtin, *types.Nil:
		return ItemText, ""
	case *types.Label:
		return -1, ""
	}
	return -1, ""
}
