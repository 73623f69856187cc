package ollama

// Built-in instruction prompts. DefaultTextPrompt is used when the
// configuration does not provide one; MarkdownTextPrompt is selectable per
// request for structure-preserving output.

const DefaultTextPrompt = `Act as an OCR assistant. Analyze the provided image and:
1. Recognize all visible text in the image as accurately as possible.
2. Maintain the original structure and formatting of the text as best as possible.
3. If any words or phrases are unclear, indicate this with [unclear] in your transcription.
Provide only the transcription without any additional comments.`

const MarkdownTextPrompt = `Act as an expert OCR assistant specializing in document structure. Analyze the provided image and:
1. Recognize all visible text in the image as accurately as possible.
2. Structure the recognized text using appropriate Markdown formatting (e.g., headings (#, ##), lists (*, -), bold (**text**), italics (*text*), code blocks (` + "```" + `), etc.) to reflect the visual layout and hierarchy of the original image.
3. If any words or phrases are unclear, indicate this with ` + "`[unclear]`" + ` (using backticks for code style) in your transcription.
4. Ensure the output is valid Markdown.
Provide *only* the Markdown transcription without any introductory sentences, explanations, or closing remarks.`
