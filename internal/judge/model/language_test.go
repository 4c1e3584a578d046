package model

import "testing"

func TestLanguageCatalog(t *testing.T) {
	t.Parallel()

	for _, lang := range Languages() {
		lang := lang
		t.Run(lang.Code, func(t *testing.T) {
			t.Parallel()
			byCode, ok := LanguageByCode(lang.Code)
			if !ok {
				t.Fatalf("LanguageByCode(%q) missing", lang.Code)
			}
			if byCode.Display != lang.Display {
				t.Fatalf("display = %q, want %q", byCode.Display, lang.Display)
			}
			if lang.Compiled && lang.CompileTemplate == "" {
				t.Fatalf("%s is compiled but has no compile template", lang.Code)
			}
			if !lang.Compiled && lang.CompileTemplate != "" {
				t.Fatalf("%s is interpreted but has a compile template", lang.Code)
			}
			if lang.RunTemplate == "" {
				t.Fatalf("%s has no run template", lang.Code)
			}
			if lang.SourceFile == "" || lang.Ext() == "" {
				t.Fatalf("%s source file %q has no extension", lang.Code, lang.SourceFile)
			}
			if lang.Processes < 1 {
				t.Fatalf("%s pid budget = %d, want at least 1", lang.Code, lang.Processes)
			}
		})
	}

	if _, ok := LanguageByCode("cobol"); ok {
		t.Fatal("unknown code resolved")
	}
}

func TestLanguagesReturnsCopy(t *testing.T) {
	t.Parallel()

	first := Languages()
	first[0].Code = "mutated"
	if got := Languages()[0].Code; got == "mutated" {
		t.Fatal("catalog mutated through the returned slice")
	}
}
