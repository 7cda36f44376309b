// Package locale loads the panel translations and localizes messages per request.
package locale

import (
	"embed"
	"io/fs"
	"strings"

	"candy-panel/logger"

	"github.com/gin-gonic/gin"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/text/language"
)

var (
	i18nBundle   *i18n.Bundle
	LocalizerWeb *i18n.Localizer
)

const localizerKey = "localizer"

// InitLocalizer parses every translation file under translation/ in i18nFS.
func InitLocalizer(i18nFS embed.FS) error {
	i18nBundle = i18n.NewBundle(language.MustParse("en-US"))
	i18nBundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	if err := parseTranslationFiles(i18nFS, i18nBundle); err != nil {
		return err
	}
	LocalizerWeb = i18n.NewLocalizer(i18nBundle, "en-US")
	return nil
}

func parseTranslationFiles(i18nFS embed.FS, bundle *i18n.Bundle) error {
	return fs.WalkDir(i18nFS, "translation", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".toml") {
			return nil
		}
		_, err = bundle.LoadMessageFileFS(i18nFS, path)
		return err
	})
}

// createTemplateData turns "name==value" params into template data.
func createTemplateData(params []string, separator ...string) map[string]any {
	var sep string
	if len(separator) > 0 {
		sep = separator[0]
	} else {
		sep = "=="
	}

	templateData := make(map[string]any)
	for _, param := range params {
		parts := strings.SplitN(param, sep, 2)
		if len(parts) == 2 {
			templateData[parts[0]] = parts[1]
		}
	}
	return templateData
}

// I18n localizes key, falling back to the key itself when it is unknown.
func I18n(localizer *i18n.Localizer, key string, params ...string) string {
	if localizer == nil {
		localizer = LocalizerWeb
	}
	if localizer == nil {
		return key
	}
	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    key,
		TemplateData: createTemplateData(params),
	})
	if err != nil {
		logger.Debug("Failed to localize", key, ":", err)
		return key
	}
	return msg
}

// LocalizerMiddleware picks the request language from the lang cookie or
// Accept-Language.
func LocalizerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if i18nBundle == nil {
			c.Next()
			return
		}
		var langs []string
		if lang, err := c.Cookie("lang"); err == nil && lang != "" {
			langs = append(langs, lang)
		}
		if accept := c.GetHeader("Accept-Language"); accept != "" {
			langs = append(langs, accept)
		}
		langs = append(langs, "en-US")
		c.Set(localizerKey, i18n.NewLocalizer(i18nBundle, langs...))
		c.Next()
	}
}

// FromContext returns the request localizer set by LocalizerMiddleware.
func FromContext(c *gin.Context) *i18n.Localizer {
	if v, ok := c.Get(localizerKey); ok {
		if l, ok := v.(*i18n.Localizer); ok {
			return l
		}
	}
	return LocalizerWeb
}
