package prompt

import "github.com/callquery/callquery/internal/llm"

const FallbackTemplate = "{query}"

const sqlTemplate = "-- Target table: {table}\n" +
	"-- Available columns: {columns}\n" +
	"-- Schema: {schema}\n" +
	"-- Sample rows: {samples}\n" +
	"-- Previous exchanges: {history}\n" +
	"-- Question: {query}\n" +
	"Using the information above, write one complete SQL statement that answers the question. Return only the SQL."

const chartTemplate = "-- Target table: {table}\n" +
	"-- Available columns: {columns}\n" +
	"-- Schema: {schema}\n" +
	"-- Sample rows: {samples}\n" +
	"-- Previous exchanges: {history}\n" +
	"-- Question: {query}\n" +
	"Using the information above, write one SQL statement whose rows can be compared side by side in a chart. Return only the SQL."

const answerTemplate = "Given the SQL query results:\n{results}\n" +
	"Answer the question: {query} in a friendly and helpful way. " +
	"Interpret the meaning of the results yourself and do not state that the meaning is unclear."

func defaultTemplates() map[string]map[llm.TaskType]string {
	sqlOnly := func() map[llm.TaskType]string {
		return map[llm.TaskType]string{
			llm.TaskSQL:   sqlTemplate,
			llm.TaskChart: chartTemplate,
		}
	}
	withAnswer := func() map[llm.TaskType]string {
		tasks := sqlOnly()
		tasks[llm.TaskNLP] = answerTemplate
		return tasks
	}
	return map[string]map[llm.TaskType]string{
		"gpt-oss:20b":      sqlOnly(),
		"phi3:3.8b":        sqlOnly(),
		"sqlcoder:7b":      sqlOnly(),
		"qwen2.5-coder:7b": withAnswer(),
		"qwen2.5-coder:3b": withAnswer(),
		"llama3.2:3b":      withAnswer(),
	}
}
