package mcpserver

// QueryContract documents the metadata query language accepted by the
// search_images tool and by the query parameter of GET /users/{user}/images.
const QueryContract = `# Pictura Metadata Query Language

A query is a JSON object matched against each image's metadata document.

## Field conditions

` + "```" + `json
{"animal": "cat"}                       // implicit equality
{"width": {"$gt": 100, "$lte": 800}}   // comparison
{"tags": {"$in": ["a", "b"]}}           // membership
{"title": {"$wildcard": "sun*"}}        // * matches any run of characters
{"exif.camera": "x100"}                 // dotted paths reach nested fields
` + "```" + `

Operators: $ne, $gt, $gte, $lt, $lte, $in, $nin, $wildcard.
Several operators on one field are combined with AND.

## Combinators

` + "```" + `json
{"$or": [{"animal": "cat"}, {"animal": "dog"}]}
{"$and": [{"year": {"$gte": 2020}}, {"tags": {"$in": ["travel"]}}]}
` + "```" + `

Top-level keys are combined with AND. $and and $or take a non-empty array
of objects and may be nested.

## Errors

An unknown operator starting with $ is rejected (error code 300).
A malformed document, such as a non-array combinator or an empty
operator object, is rejected (error code 301).
`
