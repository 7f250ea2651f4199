// lookahead/provider_keywords.go
// Keyword provider: Go keywords and predeclared identifiers.
package lookahead

import (
	"context"
	"go/token"
)

var predeclaredTypes = []string{
	"any", "bool", "byte", "comparable", "complex64", "complex128", "error",
	"float32", "float64", "int", "int8", "int16", "int32", "int64", "rune",
	"string", "uint", "uint8", "uint16", "uint32", "uint64", "uintptr",
}

var predeclaredConsts = []string{"true", "false", "iota", "nil"}

var builtinFuncs = []string{
	"append", "cap", "clear", "close", "complex", "copy", "delete", "imag",
	"len", "make", "max", "min", "new", "panic", "print", "println", "real", "recover",
}

// KeywordProvider offers Go keywords and predeclared identifiers. Smart
// completion only offers the predeclared identifiers.
type KeywordProvider struct{}

func (KeywordProvider) Name() string { return ProviderKeywords }

func (KeywordProvider) Produce(ctx context.Context, req *Request, sink Sink) error {
	emit := func(text string, kind ItemKind, detail string) bool {
		if ctx.Err() != nil {
			return false
		}
		return sink.Emit(&Candidate{
			Text:     text,
			Group:    ProviderKeywords,
			Source:   ProviderKeywords,
			Detail:   detail,
			Kind:     kind,
			Priority: 0.25,
		})
	}
	var ok = true
	sink.Batch(func() {
		if req.Kind != KindSmart {
			for tok := token.BREAK; tok <= token.VAR && ok; tok++ {
				if tok.IsKeyword() {
					ok = emit(tok.String(), ItemKeyword, "keyword")
				}
			}
		}
		for _, name := range predeclaredTypes {
			if ok = ok && emit(name, ItemType, "predeclared type"); !ok {
				break
			}
		}
		for _, name := range predeclaredConsts {
			if ok = ok && emit(name, ItemConstant, "predeclared"); !ok {
				break
			}
		}
		for _, name := range builtinFuncs {
			if ok = ok && emit(name, ItemFunction, "builtin"); !ok {
				break
			}
		}
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !ok {
		return ErrSessionCancelled
	}
	return nil
}
