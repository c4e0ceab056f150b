// Package render converts Direct Line activities into text for a terminal.
//
// Bot messages are often markdown. Markdown parses the text with goldmark and
// walks the AST, keeping the words and dropping the markup: emphasis markers
// vanish, links become "text (url)", list items keep a bullet or number and
// code blocks are indented. Activity adds a sender prefix and describes
// non-message activities and attachments on their own lines.
package render
