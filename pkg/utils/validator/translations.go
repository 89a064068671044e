package validator

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
)

func (v *Validator) registerCustomTranslations() {
	if enTrans := v.translator(LangEN); enTrans != nil {
		v.registerTranslations(enTrans, map[string]string{
			TagNotBlank:   "{0} must not be blank",
			TagDocumentID: "{0} must be a valid document id",
			TagFilename:   "{0} must be a file name without a directory",
		})
	}
	if zhTrans := v.translator(LangZH); zhTrans != nil {
		v.registerTranslations(zhTrans, map[string]string{
			TagNotBlank:   "{0}不能为空白",
			TagDocumentID: "{0}必须是有效的文档ID",
			TagFilename:   "{0}必须是不含目录的文件名",
		})
	}
}

func (v *Validator) registerTranslations(trans ut.Translator, translations map[string]string) {
	for tag, message := range translations {
		registerTranslation(v.validate, trans, tag, message)
	}
}

func registerTranslation(validate *validator.Validate, trans ut.Translator, tag, message string) {
	_ = validate.RegisterTranslation(tag, trans,
		func(ut ut.Translator) error {
			return ut.Add(tag, message, true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			t, _ := ut.T(tag, fe.Field())
			return t
		},
	)
}
