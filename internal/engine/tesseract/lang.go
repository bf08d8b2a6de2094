// Package tesseract runs the Tesseract OCR library in process through
// gosseract. Building it requires the tesseract build tag and libtesseract;
// without the tag New reports ErrNotCompiled.
package tesseract

import "strings"

const engineName = "tesseract"

// languages maps the short codes accepted by the service to Tesseract
// traineddata names.
var languages = map[string]string{
	"en":          "eng",
	"fr":          "fra",
	"german":      "deu",
	"de":          "deu",
	"es":          "spa",
	"it":          "ita",
	"pt":          "por",
	"ru":          "rus",
	"ja":          "jpn",
	"japan":       "jpn",
	"ko":          "kor",
	"korean":      "kor",
	"ch":          "chi_sim",
	"chinese_cht": "chi_tra",
	"ar":          "ara",
}

// LanguageCode returns the traineddata name for lang. Unknown codes pass
// through so that native Tesseract names keep working.
func LanguageCode(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return "eng"
	}
	if code, ok := languages[lang]; ok {
		return code
	}
	return lang
}
