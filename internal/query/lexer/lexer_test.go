package lexer

import "testing"

func TestNextBasicTokens(t *testing.T) {
	l := New(`user:alice.follows<-liked[?age >= 30 and x != 1]{name,age}*`)
	var kinds []Kind
	for {
		tok := l.Next()
		kinds = append(kinds, tok.Kind)
		if tok.Kind == EOF {
			break
		}
	}
	want := []Kind{
		Ident, Colon, Ident, Dot, Ident, Arrow, Ident,
		LBracket, Question, Ident, Ge, Number, Ident, Ident, Neq, Number, RBracket,
		LBrace, Ident, Comma, Ident, RBrace, Star, EOF,
	}
	if len(kinds) != len(want) {
		t.Fatalf("token count = %d, want %d: %v", len(kinds), len(want), kinds)
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("token %d = %v, want %v", i, kinds[i], k)
		}
	}
}

func TestStringLiteralEscapes(t *testing.T) {
	l := New(`"hello \"world\""`)
	tok := l.Next()
	if tok.Kind != String {
		t.Fatalf("kind = %v, want String", tok.Kind)
	}
	if tok.Lit != `hello "world"` {
		t.Fatalf("lit = %q", tok.Lit)
	}
}

func TestUnterminatedStringIsIllegal(t *testing.T) {
	l := New(`"unterminated`)
	tok := l.Next()
	if tok.Kind != Illegal {
		t.Fatalf("kind = %v, want Illegal", tok.Kind)
	}
}

func TestNegativeNumber(t *testing.T) {
	l := New(`depth <= -3`)
	_ = l.Next() // depth
	_ = l.Next() // <=
	tok := l.Next()
	if tok.Kind != Number || tok.Lit != "-3" {
		t.Fatalf("got %+v", tok)
	}
}

func TestIllegalChar(t *testing.T) {
	l := New(`@`)
	tok := l.Next()
	if tok.Kind != Illegal {
		t.Fatalf("kind = %v, want Illegal", tok.Kind)
	}
}

func TestPositionOf(t *testing.T) {
	src := "abc\ndef\nghi"
	line, col := PositionOf(src, 8) // 'g' of third line
	if line != 3 || col != 1 {
		t.Fatalf("line=%d col=%d, want 3,1", line, col)
	}
}

func TestEOFIsStable(t *testing.T) {
	l := New("")
	a := l.Next()
	b := l.Next()
	if a.Kind != EOF || b.Kind != EOF {
		t.Fatalf("expected repeated EOF, got %v %v", a, b)
	}
}
