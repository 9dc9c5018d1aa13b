// Package errors provides the structured errors remoteui prints.
//
// Each error code maps to a category, a short message and usually a
// hint:
//
//	err := errors.New("R011").
//	    WithLocation("ui.yaml", 12).
//	    WithDetail(`node "Button" has children and text`)
//	errors.Print(os.Stderr, err)
//	// ERROR R011: Invalid UI description
//	//
//	//   ui.yaml:12
//	//
//	//       10 │ children:
//	//       11 │   - type: Button
//	//     → 12 │     text: Save
//	//  ...
package errors
