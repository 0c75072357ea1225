package models

type Template struct {
	TemplateID int64  `json:"template_id" db:"template_id"`
	UID        int64  `json:"uid" db:"uid"`
	TBody      string `json:"t_body" db:"t_body"`
	TKey       string `json:"t_key" db:"t_key"`
}
